package taskarmy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/taskarmy/authapi"
)

// Handlers has exactly one method per Kind. Execute dispatches through it with an
// exhaustive switch, so adding a Kind without a handler fails to compile here.
type Handlers interface {
	Swap(ctx context.Context, task Task, conn *Connection) Outcome
	Liquidity(ctx context.Context, task Task, conn *Connection) Outcome
	Transfer(ctx context.Context, task Task, conn *Connection) Outcome
	Faucet(ctx context.Context, task Task, conn *Connection) Outcome
	Deploy(ctx context.Context, task Task, conn *Connection) Outcome
	CheckIn(ctx context.Context, task Task, conn *Connection) Outcome
}

// AuthService is the provider side of the Faucet and CheckIn kinds.
// *authapi.Client satisfies it.
type AuthService interface {
	Login(ctx context.Context, signer authapi.Signer) (string, error)
	FaucetStatus(ctx context.Context, jwt string) (authapi.FaucetStatus, error)
	ClaimFaucet(ctx context.Context, jwt string) (authapi.ClaimResult, error)
	CheckIn(ctx context.Context, jwt string) (authapi.CheckInResult, error)
}

// AuthServiceFactory creates an AuthService for a provider.
// This allows injecting mock providers for testing.
type AuthServiceFactory func(cfg ProviderConfig) AuthService

// DefaultAuthServiceFactory builds an authapi client for the provider
func DefaultAuthServiceFactory(cfg ProviderConfig) AuthService {
	return authapi.NewClient(cfg.BaseURL,
		authapi.WithInviteCode(cfg.InviteCode),
		authapi.WithMessage(cfg.Message),
	)
}

var _ AuthService = (*authapi.Client)(nil)

// Executor runs one concrete task given a wallet, a network and a live connection.
// It is stateless with respect to scheduling. Execute never panics and never returns an
// error, every failure becomes an Outcome.
type Executor struct {
	settingsMu sync.RWMutex
	settings   Settings

	handlers    Handlers
	prompter    Prompter
	pairs       PairMemory
	authFactory AuthServiceFactory
	errDecoder  *ErrorDecoder

	now  Clock
	rand func() float64

	sleep          Sleeper
	pollInterval   time.Duration
	receiptTimeout time.Duration

	// Wallet-level send locks (keyed by chainID:address)
	walletLocks sync.Map // map[string]*sync.Mutex
}

// NewExecutor creates an Executor with default settings, in-memory pair memory and
// a prompter that continues after recoverable failures.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		settings:       DefaultSettings(),
		prompter:       FixedPolicy{Continue: true},
		pairs:          NewInMemoryPairMemory(),
		authFactory:    DefaultAuthServiceFactory,
		errDecoder:     defaultErrorDecoder(),
		now:            time.Now,
		rand:           rand.Float64,
		sleep:          realSleep,
		pollInterval:   DefaultReceiptPollInterval,
		receiptTimeout: DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handlers == nil {
		e.handlers = e
	}
	return e
}

func defaultErrorDecoder() *ErrorDecoder {
	d, _ := NewErrorDecoder(revertErrorsABI, erc20ABI, routerABI)
	return d
}

// Settings returns the current settings
func (e *Executor) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// SetSettings replaces the current settings
func (e *Executor) SetSettings(s Settings) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.settings = s
}

// Execute runs task on conn and converts every failure, including panics, into an Outcome.
func (e *Executor) Execute(ctx context.Context, task Task, conn *Connection) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = task.outcome(StatusError, fmt.Sprintf("panic: %v", r))
		}
		e.logOutcome(task, out)
	}()

	if task.Network == nil || task.Wallet == nil {
		return task.outcome(StatusError, "task has no network or wallet")
	}
	if needsChain(task.Kind) && (conn == nil || conn.Client == nil) {
		return task.outcome(StatusError, "task has no connection")
	}
	if !task.Simulate {
		task.Simulate = e.Settings().Simulate
	}

	switch task.Kind {
	case KindSwap:
		out = e.handlers.Swap(ctx, task, conn)
	case KindLiquidity:
		out = e.handlers.Liquidity(ctx, task, conn)
	case KindTransfer:
		out = e.handlers.Transfer(ctx, task, conn)
	case KindFaucet:
		out = e.handlers.Faucet(ctx, task, conn)
	case KindDeploy:
		out = e.handlers.Deploy(ctx, task, conn)
	case KindCheckIn:
		out = e.handlers.CheckIn(ctx, task, conn)
	default:
		return task.outcome(StatusError, fmt.Sprintf("%s: %d", ErrUnknownKind, int(task.Kind)))
	}
	return normalizeOutcome(task, out)
}

// needsChain reports whether the kind talks to the chain through a connection
func needsChain(k Kind) bool {
	return k == KindSwap || k == KindTransfer || k == KindDeploy
}

// normalizeOutcome fills the identity fields a handler may have left empty
func normalizeOutcome(task Task, out Outcome) Outcome {
	base := task.outcome(out.Status, out.Reason)
	base.TxHash = out.TxHash
	for k, v := range out.Details {
		base.Details[k] = v
	}
	if base.Status == "" {
		base.Status = StatusError
		if base.Reason == "" {
			base.Reason = "handler returned no status"
		}
	}
	return base
}

func (e *Executor) logOutcome(task Task, out Outcome) {
	fields := logger.Fields{
		"network": out.Network,
		"kind":    task.Kind.String(),
		"wallet":  out.Wallet.Hex(),
		"status":  string(out.Status),
	}
	if out.TxHash != "" {
		fields["tx_hash"] = out.TxHash
	}
	if out.Reason != "" {
		fields["reason"] = out.Reason
	}
	switch out.Status {
	case StatusSuccess, StatusSimulated:
		logger.WithFields(fields).Info("Task finished")
	case StatusSkipped, StatusStopped:
		logger.WithFields(fields).Warn("Task did not run")
	default:
		logger.WithFields(fields).Error("Task failed")
	}
}

// Liquidity is a placeholder kind. It always reports skipped.
func (e *Executor) Liquidity(ctx context.Context, task Task, conn *Connection) Outcome {
	return task.outcome(StatusSkipped, "liquidity is not implemented")
}

var _ Handlers = (*Executor)(nil)
