package taskarmy

import (
	"fmt"
)

var (
	ErrRetriesExhausted    = fmt.Errorf("connection retries exhausted")
	ErrInsufficientBalance = fmt.Errorf("insufficient balance")
	ErrNoEligiblePair      = fmt.Errorf("no eligible swap pair")
	ErrNotEnoughTokens     = fmt.Errorf("at least two tradable tokens are required")
	ErrNoReceiver          = fmt.Errorf("transfer receiver is not configured")
	ErrNoProvider          = fmt.Errorf("provider is not configured for network")
	ErrNoContract          = fmt.Errorf("contract call is not configured for network")
	ErrLiquidityOnly       = fmt.Errorf("liquidity is the only selected function and it is not supported")
	ErrNoEligibleTasks     = fmt.Errorf("no eligible networks or functions selected")
	ErrUnknownKind         = fmt.Errorf("unknown function kind")
	ErrSchedulerRunning    = fmt.Errorf("scheduler is already running")
	ErrReceiptTimeout      = fmt.Errorf("timed out waiting for transaction receipt")
	ErrChainIDMismatch     = fmt.Errorf("endpoint chain id mismatch")
	ErrPoolClosed          = fmt.Errorf("connection pool is closed")
)

// AuthorizationError is returned when the AccessGuard denies an origin.
// It is terminal for the connection attempt and never retried.
type AuthorizationError struct {
	Origin string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("origin %s is not authorized (not whitelisted or rate limited)", e.Origin)
}
