package taskarmy

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Constants for connection management and task execution
const (
	DefaultConnectionTimeout = 5 * time.Minute
	DefaultSweepInterval     = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = time.Second

	DefaultRateLimit       = 60
	DefaultRateLimitWindow = 60 * time.Second

	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReceiptTimeout      = 2 * time.Minute

	// Bulk runs wait a random duration in [DefaultBulkWaitMin, DefaultBulkWaitMax]
	DefaultBulkWaitMin = 30 * time.Second
	DefaultBulkWaitMax = 40 * time.Second

	DefaultTransferAmount   = 0.000001 // native units
	DefaultFallbackGasPrice = 1        // gwei, used when fee estimation is unavailable
	GasLimitMultiplier      = 1.2
	NativeTransferGas       = 21000
)

// Kind identifies one function an automation task can run.
// The declaration order is the order of the bulk (run all) path.
type Kind int

const (
	KindSwap Kind = iota
	KindLiquidity
	KindTransfer
	KindFaucet
	KindDeploy
	KindCheckIn
)

// RunAllMarker is the selection name that expands to every kind
const RunAllMarker = "run-all"

var kindNames = map[Kind]string{
	KindSwap:      "Swap",
	KindLiquidity: "Liquidity",
	KindTransfer:  "Transfer",
	KindFaucet:    "Faucet",
	KindDeploy:    "Deploy",
	KindCheckIn:   "CheckIn",
}

// AllKinds returns every kind in bulk order.
func AllKinds() []Kind {
	return []Kind{KindSwap, KindLiquidity, KindTransfer, KindFaucet, KindDeploy, KindCheckIn}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HistoryType is the lower case tag stored in history entries.
func (k Kind) HistoryType() string {
	return strings.ToLower(k.String())
}

// ParseKind parses a kind name case-insensitively. "check-in" and "checkin" are both accepted.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.TrimSpace(name)))
	for k, n := range kindNames {
		if strings.ToLower(n) == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// ExpandKinds parses kind names. A name containing RunAllMarker expands to every kind
// and the result is always in bulk order without duplicates.
func ExpandKinds(names []string) ([]Kind, error) {
	seen := map[Kind]bool{}
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), RunAllMarker) {
			return AllKinds(), nil
		}
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		seen[k] = true
	}
	result := make([]Kind, 0, len(seen))
	for _, k := range AllKinds() {
		if seen[k] {
			result = append(result, k)
		}
	}
	return result, nil
}

// Status is the result status of one task attempt
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusSimulated Status = "simulated"
	// StatusStopped means the user declined to continue after a failure prompt
	StatusStopped Status = "stopped"
)

// Outcome is the immutable result of one Task attempt
type Outcome struct {
	Kind    Kind
	Network string
	Wallet  common.Address
	Status  Status
	TxHash  string
	Reason  string
	// Details holds kind specific fields (tokens, amounts, receiver, next eligible time...)
	Details map[string]string
}

// Task is one (network, kind, wallet) triple scheduled for a single attempt.
type Task struct {
	Kind     Kind
	Network  *Network
	Wallet   *Wallet
	Simulate bool
	// Receiver overrides the transfer receiver from the executor settings
	Receiver *common.Address
}

// Fingerprint identifies the task slot.
func (t Task) Fingerprint() string {
	network := ""
	if t.Network != nil {
		network = t.Network.Name
	}
	wallet := ""
	if t.Wallet != nil {
		wallet = t.Wallet.Address().Hex()
	}
	return fmt.Sprintf("%s/%s/%s", network, t.Kind.HistoryType(), wallet)
}

func (t Task) outcome(status Status, reason string) Outcome {
	o := Outcome{
		Kind:    t.Kind,
		Status:  status,
		Reason:  reason,
		Details: map[string]string{},
	}
	if t.Network != nil {
		o.Network = t.Network.Name
	}
	if t.Wallet != nil {
		o.Wallet = t.Wallet.Address()
	}
	return o
}

// Token is an ERC-20 token a network can swap.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals int32
	// Min and Max bound the random per-token swap amount, in token units
	Min      float64
	Max      float64
	Slippage float64 // percent, e.g. 0.5
	// Direction restricts the token to one side of a swap: "in", "out" or "" / "both"
	Direction string
}

// CanSwapFrom reports whether the token may be the source of a swap.
func (t Token) CanSwapFrom() bool {
	return t.Direction != "in"
}

// CanSwapTo reports whether the token may be the target of a swap.
func (t Token) CanSwapTo() bool {
	return t.Direction != "out"
}

// ContractCall describes the fixed contract method of the Deploy kind.
type ContractCall struct {
	Address common.Address
	// Signature of a no-argument method, e.g. "deploy()"
	Signature string
	Value     float64 // native units sent along the call
}

// Network is one configured chain the automation runs on.
type Network struct {
	Name     string
	RPCURL   string
	ChainID  uint64
	Tokens   []Token
	Router   common.Address
	Contract *ContractCall
	Faucet   *ProviderConfig
	CheckIn  *ProviderConfig
}

// Endpoint returns the RPC endpoint of the network.
func (n *Network) Endpoint() Endpoint {
	return Endpoint{URL: n.RPCURL, ChainID: n.ChainID}
}

// ProviderConfig configures a faucet or check-in provider speaking the login/claim protocol.
type ProviderConfig struct {
	BaseURL    string
	InviteCode string
	// Message is the fixed literal signed to obtain a bearer token
	Message string
}
