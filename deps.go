// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the engine from a concrete RPC client.
package taskarmy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient defines the JSON-RPC surface the executor needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)

	// BalanceAt returns the native balance of the account at the given block (nil = latest)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)

	// CodeAt is used as a code-existence probe for token contracts
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)

	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)

	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns ethereum.NotFound while the transaction is pending
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	Close()
}

// Dialer opens a ChainClient for an endpoint.
// This allows injecting mock clients for testing.
type Dialer func(ctx context.Context, endpoint Endpoint) (ChainClient, error)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Clock returns the current time.
type Clock func() time.Time

// Prompter is the user interaction boundary. Implementations may back it with a terminal,
// a config flag or a fixed policy.
type Prompter interface {
	// ConfirmContinue asks whether automation should go on after a recoverable failure.
	// Returning false stops the whole run.
	ConfirmContinue(ctx context.Context, reason string) (bool, error)

	// ConfirmCancel asks whether a pending cancellation should be committed.
	// Returning false resumes the run.
	ConfirmCancel(ctx context.Context) (bool, error)
}

// HistoryStore is an append-only durable log of outcomes and settings changes.
type HistoryStore interface {
	// Append writes the entry durably before returning
	Append(ctx context.Context, entry HistoryEntry) error

	// QueryAll returns every entry in insertion order
	QueryAll(ctx context.Context) ([]HistoryEntry, error)
}

// PairMemory remembers the last successful swap pair per network.
type PairMemory interface {
	LastPair(ctx context.Context, network string) (SwapPair, bool, error)
	RememberPair(ctx context.Context, network string, pair SwapPair) error
}

// realSleep is the default Sleeper
func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
