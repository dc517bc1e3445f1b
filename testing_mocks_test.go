package taskarmy

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockChainClient implements ChainClient for testing
type mockChainClient struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	ChainIDFn            func(ctx context.Context) (*big.Int, error)
	BalanceAtFn          func(ctx context.Context, account common.Address) (*big.Int, error)
	CodeAtFn             func(ctx context.Context, account common.Address) ([]byte, error)
	CallContractFn       func(ctx context.Context, call ethereum.CallMsg) ([]byte, error)
	SuggestGasPriceFn    func(ctx context.Context) (*big.Int, error)
	SuggestGasTipCapFn   func(ctx context.Context) (*big.Int, error)
	HeaderByNumberFn     func(ctx context.Context) (*types.Header, error)
	EstimateGasFn        func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransactionFn    func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptFn func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// Token state served by the default CallContract: token => owner => balance
	TokenBalances map[common.Address]map[common.Address]*big.Int
	Allowances    map[common.Address]*big.Int

	// Call tracking for assertions
	SentTxs           []*types.Transaction
	CallContractCalls []ethereum.CallMsg
	CodeAtCalls       []common.Address
	CloseCalls        int
}

func newMockChainClient() *mockChainClient {
	return &mockChainClient{
		TokenBalances: map[common.Address]map[common.Address]*big.Int{},
		Allowances:    map[common.Address]*big.Int{},
	}
}

func (m *mockChainClient) setTokenBalance(token, owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TokenBalances[token] == nil {
		m.TokenBalances[token] = map[common.Address]*big.Int{}
	}
	m.TokenBalances[token][owner] = amount
}

func (m *mockChainClient) sentTxs() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.SentTxs...)
}

func (m *mockChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFn != nil {
		return m.ChainIDFn(ctx)
	}
	return big.NewInt(1), nil
}

func (m *mockChainClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if m.BalanceAtFn != nil {
		return m.BalanceAtFn(ctx, account)
	}
	return ether(10), nil
}

func (m *mockChainClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	m.CodeAtCalls = append(m.CodeAtCalls, account)
	m.mu.Unlock()
	if m.CodeAtFn != nil {
		return m.CodeAtFn(ctx, account)
	}
	return []byte{0x60, 0x80}, nil
}

func (m *mockChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	m.CallContractCalls = append(m.CallContractCalls, call)
	m.mu.Unlock()
	if m.CallContractFn != nil {
		return m.CallContractFn(ctx, call)
	}
	return m.defaultCallContract(call)
}

// defaultCallContract serves balanceOf, allowance and getAmountsOut (1:1 rate)
func (m *mockChainClient) defaultCallContract(call ethereum.CallMsg) ([]byte, error) {
	selector, args := call.Data[:4], call.Data[4:]
	switch {
	case bytes.Equal(selector, erc20ABI.Methods["balanceOf"].ID):
		vals, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		bal := m.TokenBalances[*call.To][vals[0].(common.Address)]
		m.mu.Unlock()
		if bal == nil {
			bal = big.NewInt(0)
		}
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(bal)
	case bytes.Equal(selector, erc20ABI.Methods["allowance"].ID):
		m.mu.Lock()
		allowance := m.Allowances[*call.To]
		m.mu.Unlock()
		if allowance == nil {
			allowance = big.NewInt(0)
		}
		return erc20ABI.Methods["allowance"].Outputs.Pack(allowance)
	case bytes.Equal(selector, routerABI.Methods["getAmountsOut"].ID):
		vals, err := routerABI.Methods["getAmountsOut"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		amountIn := vals[0].(*big.Int)
		return routerABI.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{amountIn, amountIn})
	}
	return nil, nil
}

func (m *mockChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.SentTxs)), nil
}

func (m *mockChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.SuggestGasPriceFn != nil {
		return m.SuggestGasPriceFn(ctx)
	}
	return gweiAmount(2), nil
}

func (m *mockChainClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if m.SuggestGasTipCapFn != nil {
		return m.SuggestGasTipCapFn(ctx)
	}
	return gweiAmount(1), nil
}

func (m *mockChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.HeaderByNumberFn != nil {
		return m.HeaderByNumberFn(ctx)
	}
	return &types.Header{Number: big.NewInt(100), BaseFee: gweiAmount(1)}, nil
}

func (m *mockChainClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.EstimateGasFn != nil {
		return m.EstimateGasFn(ctx, call)
	}
	return 50000, nil
}

func (m *mockChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.SentTxs = append(m.SentTxs, tx)
	m.mu.Unlock()
	if m.SendTransactionFn != nil {
		return m.SendTransactionFn(ctx, tx)
	}
	return nil
}

func (m *mockChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.TransactionReceiptFn != nil {
		return m.TransactionReceiptFn(ctx, hash)
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(101),
	}, nil
}

func (m *mockChainClient) Close() {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
}

var _ ChainClient = (*mockChainClient)(nil)

// mockDialer hands out mock clients and records every dial
type mockDialer struct {
	mu sync.Mutex

	DialFn func(ctx context.Context, endpoint Endpoint) (ChainClient, error)

	Dials   []Endpoint
	Clients []*mockChainClient
}

func (d *mockDialer) Dial(ctx context.Context, endpoint Endpoint) (ChainClient, error) {
	d.mu.Lock()
	d.Dials = append(d.Dials, endpoint)
	d.mu.Unlock()
	if d.DialFn != nil {
		return d.DialFn(ctx, endpoint)
	}
	client := newMockChainClient()
	d.mu.Lock()
	d.Clients = append(d.Clients, client)
	d.mu.Unlock()
	return client, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dials)
}

// recordingSleeper records requested sleeps without blocking
type recordingSleeper struct {
	mu     sync.Mutex
	Sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.Sleeps = append(s.Sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.Sleeps...)
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedPrompter answers with fixed values and counts prompts
type scriptedPrompter struct {
	mu sync.Mutex

	ContinueAnswer bool
	// CancelAnswers are consumed in order, the last one repeats
	CancelAnswers []bool

	ContinueCalls []string
	CancelCalls   int
}

func (p *scriptedPrompter) ConfirmContinue(ctx context.Context, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ContinueCalls = append(p.ContinueCalls, reason)
	return p.ContinueAnswer, nil
}

func (p *scriptedPrompter) ConfirmCancel(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CancelCalls++
	if len(p.CancelAnswers) == 0 {
		return true, nil
	}
	answer := p.CancelAnswers[0]
	if len(p.CancelAnswers) > 1 {
		p.CancelAnswers = p.CancelAnswers[1:]
	}
	return answer, nil
}

// ============================================================
// Test Helpers
// ============================================================

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func gweiAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), gwei)
}

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewWalletFromKey(key)
}

func testToken(symbol string, addr string) Token {
	return Token{
		Address:  common.HexToAddress(addr),
		Symbol:   symbol,
		Decimals: 18,
		Min:      1,
		Max:      1,
	}
}

func newTestNetwork() *Network {
	return &Network{
		Name:    "testnet",
		RPCURL:  "https://rpc.testnet.example:8545",
		ChainID: 1,
		Tokens: []Token{
			testToken("A", "0x00000000000000000000000000000000000000a1"),
			testToken("B", "0x00000000000000000000000000000000000000b2"),
			testToken("C", "0x00000000000000000000000000000000000000c3"),
		},
		Router: common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		Contract: &ContractCall{
			Address:   common.HexToAddress("0x00000000000000000000000000000000000000d4"),
			Signature: "deploy()",
		},
	}
}

func newTestConnection(client ChainClient, network *Network) *Connection {
	return &Connection{
		ID:         "test-connection",
		Endpoint:   network.Endpoint(),
		Client:     client,
		lastUsedAt: time.Now(),
		active:     true,
	}
}

// testSetup contains all the mocks needed for a typical executor test
type testSetup struct {
	Executor *Executor
	Client   *mockChainClient
	Network  *Network
	Wallet   *Wallet
	Conn     *Connection
	Prompter *scriptedPrompter
	Pairs    *InMemoryPairMemory
}

// newTestSetup creates a complete executor test setup with default mocks
func newTestSetup(t *testing.T, opts ...ExecutorOption) *testSetup {
	t.Helper()

	client := newMockChainClient()
	network := newTestNetwork()
	prompter := &scriptedPrompter{ContinueAnswer: true}
	pairs := NewInMemoryPairMemory()

	settings := DefaultSettings()
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	settings.Transfer.Receiver = &receiver

	base := []ExecutorOption{
		WithSettings(settings),
		WithPrompter(prompter),
		WithPairMemory(pairs),
		WithExecutorSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		WithExecutorRand(func() float64 { return 0 }),
	}
	executor := NewExecutor(append(base, opts...)...)

	return &testSetup{
		Executor: executor,
		Client:   client,
		Network:  network,
		Wallet:   newTestWallet(t),
		Conn:     newTestConnection(client, network),
		Prompter: prompter,
		Pairs:    pairs,
	}
}

func (s *testSetup) task(kind Kind) Task {
	return Task{Kind: kind, Network: s.Network, Wallet: s.Wallet}
}
