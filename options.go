package taskarmy

import (
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// AccessGuardOption is a function that configures an AccessGuard
type AccessGuardOption func(*AccessGuard)

// WithRateLimit sets the number of requests allowed per sliding window
func WithRateLimit(limit int, window time.Duration) AccessGuardOption {
	return func(g *AccessGuard) {
		if limit > 0 {
			g.limit = limit
		}
		if window > 0 {
			g.window = window
		}
	}
}

// WithGuardClock sets the clock used for windows and whitelist expiry
func WithGuardClock(now Clock) AccessGuardOption {
	return func(g *AccessGuard) {
		g.now = now
	}
}

// ConnectionPoolOption is a function that configures a ConnectionPool
type ConnectionPoolOption func(*ConnectionPool)

// WithDialer sets a custom dialer for testing or alternative clients
func WithDialer(dialer Dialer) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.dialer = dialer
	}
}

// WithPoolClock sets the clock used for connection validity
func WithPoolClock(now Clock) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.now = now
	}
}

// WithPoolSleeper sets the sleeper used between establishment attempts
func WithPoolSleeper(sleep Sleeper) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.sleep = sleep
	}
}

// WithConnectionTimeout sets how long an unused connection stays valid
func WithConnectionTimeout(timeout time.Duration) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.timeout = timeout
	}
}

// WithMaxRetries sets the total number of establishment attempts
func WithMaxRetries(n int) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithBackoffBase sets the unit of the exponential backoff.
// The delay before attempt k (0-indexed) is 2^(k-1) * base.
func WithBackoffBase(base time.Duration) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.backoffBase = base
	}
}

// ExecutorOption is a function that configures an Executor
type ExecutorOption func(*Executor)

// WithSettings sets the initial settings
func WithSettings(s Settings) ExecutorOption {
	return func(e *Executor) {
		e.settings = s
	}
}

// WithPrompter sets the prompter asked whether to continue after a recoverable failure
func WithPrompter(p Prompter) ExecutorOption {
	return func(e *Executor) {
		e.prompter = p
	}
}

// WithPairMemory sets where the last successful swap pair is remembered.
// Use a persistent implementation to keep the continuity bias across restarts.
func WithPairMemory(m PairMemory) ExecutorOption {
	return func(e *Executor) {
		e.pairs = m
	}
}

// WithAuthServiceFactory sets a custom provider factory for testing
func WithAuthServiceFactory(f AuthServiceFactory) ExecutorOption {
	return func(e *Executor) {
		e.authFactory = f
	}
}

// WithHandlers replaces the per-kind handlers
func WithHandlers(h Handlers) ExecutorOption {
	return func(e *Executor) {
		e.handlers = h
	}
}

// WithRevertABIs adds the custom errors of abis to the decoder used for failed gas
// estimates, e.g. the ABI of a network's deploy contract.
func WithRevertABIs(abis ...abi.ABI) ExecutorOption {
	return func(e *Executor) {
		all := append([]abi.ABI{revertErrorsABI, erc20ABI, routerABI}, abis...)
		if d, err := NewErrorDecoder(all...); err == nil {
			e.errDecoder = d
		}
	}
}

// WithReceiptPolling sets the receipt poll interval and the confirmation timeout
func WithReceiptPolling(interval, timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
		if timeout > 0 {
			e.receiptTimeout = timeout
		}
	}
}

// WithExecutorSleeper sets the sleeper used while polling receipts
func WithExecutorSleeper(sleep Sleeper) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithExecutorClock sets the clock used for swap deadlines
func WithExecutorClock(now Clock) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// WithExecutorRand sets the source of random amounts, returning floats in [0, 1)
func WithExecutorRand(rnd func() float64) ExecutorOption {
	return func(e *Executor) {
		e.rand = rnd
	}
}

// SchedulerOption is a function that configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithWallets sets the wallets tasks rotate over
func WithWallets(wallets []*Wallet) SchedulerOption {
	return func(s *Scheduler) {
		s.wallets = wallets
	}
}

// WithCancelPrompter sets the prompter asked to confirm a cancellation
func WithCancelPrompter(p Prompter) SchedulerOption {
	return func(s *Scheduler) {
		s.prompter = p
	}
}

// WithSchedulerSettings sets the initial settings. They are pushed to the runner.
func WithSchedulerSettings(settings Settings) SchedulerOption {
	return func(s *Scheduler) {
		s.settings = settings
	}
}

// WithMaxConcurrency bounds how many kinds of one network run at once in fan-out mode
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxConcurrency = n
	}
}

// WithMaxCycles stops the run after n cycles. Zero runs until cancelled.
func WithMaxCycles(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxCycles = n
	}
}

// WithBulkWait sets the bounds of the random wait after a bulk network run
func WithBulkWait(lo, hi time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.bulkWaitMin = lo
		s.bulkWaitMax = hi
	}
}

// WithSchedulerSleeper sets the sleeper used for intervals and bulk waits
func WithSchedulerSleeper(sleep Sleeper) SchedulerOption {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// WithSchedulerRand sets the source of random waits, returning floats in [0, 1)
func WithSchedulerRand(rnd func() float64) SchedulerOption {
	return func(s *Scheduler) {
		s.rand = rnd
	}
}

// WithSchedulerClock sets the clock used for history timestamps
func WithSchedulerClock(now Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithOutcomeHook registers a callback invoked after each outcome is recorded.
// It is called from the dispatching goroutine and must not block.
func WithOutcomeHook(hook func(Outcome)) SchedulerOption {
	return func(s *Scheduler) {
		s.outcomeHook = hook
	}
}
