package taskarmy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"
)

// SchedulerState is the state of the automation loop
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateRunning
	StateCancelling
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	}
	return fmt.Sprintf("SchedulerState(%d)", int32(s))
}

// ConnectionSource hands out live connections. *ConnectionPool satisfies it.
type ConnectionSource interface {
	Acquire(ctx context.Context, endpoint Endpoint) (*Connection, error)
}

// TaskRunner runs one task. *Executor satisfies it.
type TaskRunner interface {
	Execute(ctx context.Context, task Task, conn *Connection) Outcome
}

// settingsReceiver is implemented by runners that accept settings changes
type settingsReceiver interface {
	SetSettings(Settings)
}

var (
	_ ConnectionSource = (*ConnectionPool)(nil)
	_ TaskRunner       = (*Executor)(nil)
)

// SelectionEntry enables a list of kinds on one network
type SelectionEntry struct {
	Network *Network
	Kinds   []Kind
}

// Selection is the ordered list of networks a run iterates every cycle
type Selection []SelectionEntry

// ParseSelection resolves network names (case-insensitive, "all" or empty selects every
// network) and kind names against the available networks. Every selected network gets
// the same kinds.
func ParseSelection(available []*Network, networkNames []string, kindNames []string) (Selection, error) {
	kinds, err := ExpandKinds(kindNames)
	if err != nil {
		return nil, err
	}

	selectAll := len(networkNames) == 0
	for _, name := range networkNames {
		if strings.EqualFold(name, "all") {
			selectAll = true
		}
	}

	var sel Selection
	if selectAll {
		for _, n := range available {
			sel = append(sel, SelectionEntry{Network: n, Kinds: kinds})
		}
		return sel, nil
	}

	byName := make(map[string]*Network, len(available))
	for _, n := range available {
		byName[strings.ToLower(n.Name)] = n
	}
	for _, name := range networkNames {
		n, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown network %q", name)
		}
		sel = append(sel, SelectionEntry{Network: n, Kinds: kinds})
	}
	return sel, nil
}

// NewSelection enables the same kinds on every given network, in order
func NewSelection(networks []*Network, kinds ...Kind) Selection {
	sel := make(Selection, 0, len(networks))
	for _, n := range networks {
		sel = append(sel, SelectionEntry{Network: n, Kinds: append([]Kind(nil), kinds...)})
	}
	return sel
}

func isLiquidityOnly(kinds []Kind) bool {
	if len(kinds) == 0 {
		return false
	}
	for _, k := range kinds {
		if k != KindLiquidity {
			return false
		}
	}
	return true
}

func isAllKinds(kinds []Kind) bool {
	seen := map[Kind]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	for _, k := range AllKinds() {
		if !seen[k] {
			return false
		}
	}
	return true
}

// runControl is the per-run stop signal shared by every goroutine of a run
type runControl struct {
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRunControl() *runControl {
	return &runControl{stopCh: make(chan struct{})}
}

func (rc *runControl) stop() {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
}

func (rc *runControl) stopped() bool {
	select {
	case <-rc.stopCh:
		return true
	default:
		return false
	}
}

// Scheduler is the top-level automation loop.
//
// Each cycle iterates the selected networks in order. A network with every kind enabled
// runs them in strict Kind order and then waits a random bulk interval. Any other
// selection fans the kinds out with bounded concurrency, each kind waiting its own
// interval after it ran. Every dispatched task yields exactly one Outcome and one
// HistoryEntry, written synchronously before the next step.
type Scheduler struct {
	pool     ConnectionSource
	runner   TaskRunner
	history  HistoryStore
	wallets  []*Wallet
	prompter Prompter

	settingsMu sync.RWMutex
	settings   Settings

	maxConcurrency int
	maxCycles      int
	bulkWaitMin    time.Duration
	bulkWaitMax    time.Duration

	sleep       Sleeper
	rand        func() float64
	now         Clock
	outcomeHook func(Outcome)

	walletIndex atomic.Uint64
	state       atomic.Int32

	// cancelReq carries at most one pending cancellation request
	cancelReq chan struct{}
	// promptMu serialises cancellation prompts
	promptMu sync.Mutex
}

// NewScheduler wires the loop to its collaborators
func NewScheduler(pool ConnectionSource, runner TaskRunner, history HistoryStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:           pool,
		runner:         runner,
		history:        history,
		prompter:       FixedPolicy{Continue: true, Cancel: true},
		settings:       DefaultSettings(),
		maxConcurrency: 6,
		bulkWaitMin:    DefaultBulkWaitMin,
		bulkWaitMax:    DefaultBulkWaitMax,
		sleep:          realSleep,
		rand:           rand.Float64,
		now:            time.Now,
		cancelReq:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = NewInMemoryHistoryStore()
	}
	if s.maxConcurrency <= 0 {
		s.maxConcurrency = 1
	}
	if r, ok := s.runner.(settingsReceiver); ok {
		r.SetSettings(s.Settings())
	}
	return s
}

// State returns the current state
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Settings returns the current settings
func (s *Scheduler) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// ApplySettings validates and applies new settings, propagates them to the runner and
// records a "settings" history entry.
func (s *Scheduler) ApplySettings(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()

	if r, ok := s.runner.(settingsReceiver); ok {
		r.SetSettings(settings)
	}

	entry := HistoryEntry{
		Type:      HistoryTypeSettings,
		Status:    StatusSuccess,
		Timestamp: s.now().UTC(),
		Details:   settings.historyDetails(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return fmt.Errorf("couldn't record settings change: %w", err)
	}
	return nil
}

// Cancel requests cancellation of the current run. The run pauses at the next step
// boundary or wait and asks the prompter for confirmation.
func (s *Scheduler) Cancel() {
	if s.State() == StateIdle {
		return
	}
	select {
	case s.cancelReq <- struct{}{}:
	default:
	}
}

// Run drives the loop until maxCycles is reached, the user stops or cancels, or ctx is done.
// A user stop or a confirmed cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context, sel Selection) error {
	if err := s.validate(sel); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("Selection rejected")
		return err
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrSchedulerRunning
	}
	defer s.state.Store(int32(StateIdle))

	// drop a cancellation requested before this run
	select {
	case <-s.cancelReq:
	default:
	}

	rc := newRunControl()
	for cycle := 1; s.maxCycles == 0 || cycle <= s.maxCycles; cycle++ {
		logger.WithFields(logger.Fields{
			"cycle":    cycle,
			"networks": len(sel),
		}).Info("Cycle started")

		for _, entry := range sel {
			if err := s.checkpoint(ctx, rc); err != nil {
				return err
			}
			if rc.stopped() {
				return nil
			}
			s.runNetwork(ctx, rc, entry)
			if rc.stopped() {
				logger.WithFields(logger.Fields{
					"network": entry.Network.Name,
				}).Info("Automation stopped")
				return nil
			}
		}
	}
	return nil
}

// validate rejects selections that can't produce any task. A network whose only kind is
// Liquidity is a hard stop so no task of the selection runs.
func (s *Scheduler) validate(sel Selection) error {
	if len(s.wallets) == 0 {
		return fmt.Errorf("%w: no wallets configured", ErrNoEligibleTasks)
	}
	eligible := 0
	for _, entry := range sel {
		if entry.Network == nil {
			return fmt.Errorf("%w: selection entry without network", ErrNoEligibleTasks)
		}
		if isLiquidityOnly(entry.Kinds) {
			return fmt.Errorf("%w (network %s)", ErrLiquidityOnly, entry.Network.Name)
		}
		if len(entry.Kinds) > 0 {
			eligible++
		}
	}
	if eligible == 0 {
		return ErrNoEligibleTasks
	}
	return nil
}

// checkpoint handles a pending cancellation request and the parent context
func (s *Scheduler) checkpoint(ctx context.Context, rc *runControl) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.cancelReq:
		s.confirmCancel(ctx, rc)
	default:
	}
	return nil
}

// confirmCancel moves to Cancelling and asks for confirmation. A confirmed cancellation
// stops the run, a declined one resumes it.
func (s *Scheduler) confirmCancel(ctx context.Context, rc *runControl) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()
	if rc.stopped() {
		return
	}

	s.state.Store(int32(StateCancelling))
	confirmed := true
	if s.prompter != nil {
		var err error
		confirmed, err = s.prompter.ConfirmCancel(ctx)
		if err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("Cancellation prompt failed, cancelling")
			confirmed = true
		}
	}

	if confirmed {
		logger.Info("Cancellation confirmed")
		rc.stop()
		return
	}
	logger.Info("Cancellation declined, resuming")
	s.state.Store(int32(StateRunning))
}

// wait blocks for d, handling cancellation requests meanwhile. A declined cancellation
// resumes the remaining wait.
func (s *Scheduler) wait(ctx context.Context, rc *runControl, d time.Duration) {
	if d <= 0 {
		return
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.sleep(waitCtx, d)
	}()

	for {
		select {
		case <-done:
			return
		case <-rc.stopCh:
			return
		case <-s.cancelReq:
			s.confirmCancel(ctx, rc)
		}
	}
}

func (s *Scheduler) nextWallet() *Wallet {
	i := s.walletIndex.Add(1) - 1
	return s.wallets[i%uint64(len(s.wallets))]
}

func (s *Scheduler) intervalDuration() time.Duration {
	iv := s.Settings().Interval
	if iv.Max > iv.Min {
		return iv.Min + time.Duration(s.rand()*float64(iv.Max-iv.Min))
	}
	return iv.Fixed
}

func (s *Scheduler) bulkWaitDuration() time.Duration {
	if s.bulkWaitMax > s.bulkWaitMin {
		return s.bulkWaitMin + time.Duration(s.rand()*float64(s.bulkWaitMax-s.bulkWaitMin))
	}
	return s.bulkWaitMin
}

// connectionResult is the network level acquisition shared by the tasks of a network
type connectionResult struct {
	conn *Connection
	err  error
}

func (s *Scheduler) runNetwork(ctx context.Context, rc *runControl, entry SelectionEntry) {
	var shared connectionResult
	for _, k := range entry.Kinds {
		if needsChain(k) {
			shared.conn, shared.err = s.pool.Acquire(ctx, entry.Network.Endpoint())
			break
		}
	}
	if shared.err != nil {
		logger.WithFields(logger.Fields{
			"network": entry.Network.Name,
			"error":   shared.err,
		}).Error("Couldn't acquire connection, skipping chain tasks of network")
	}

	if isAllKinds(entry.Kinds) {
		s.runBulk(ctx, rc, entry, shared)
		return
	}
	s.runFanOut(ctx, rc, entry, shared)
}

// runBulk runs every kind in strict Kind order so tasks sharing a wallet nonce space
// never race, then waits the bulk interval.
func (s *Scheduler) runBulk(ctx context.Context, rc *runControl, entry SelectionEntry, shared connectionResult) {
	summary := map[Status]int{}
	for _, kind := range AllKinds() {
		if err := s.checkpoint(ctx, rc); err != nil || rc.stopped() {
			return
		}
		out := s.dispatch(ctx, entry.Network, kind, shared)
		summary[out.Status]++
		if out.Status == StatusStopped {
			rc.stop()
			return
		}
	}

	fields := logger.Fields{"network": entry.Network.Name}
	for status, n := range summary {
		fields[string(status)] = n
	}
	logger.WithFields(fields).Info("Bulk cycle summary")

	if err := s.checkpoint(ctx, rc); err != nil || rc.stopped() {
		return
	}
	s.wait(ctx, rc, s.bulkWaitDuration())
}

// runFanOut runs the enabled kinds concurrently, bounded by maxConcurrency, and joins them.
func (s *Scheduler) runFanOut(ctx context.Context, rc *runControl, entry SelectionEntry, shared connectionResult) {
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, kind := range entry.Kinds {
		if err := s.checkpoint(ctx, rc); err != nil || rc.stopped() {
			break
		}
		wg.Add(1)
		go func(kind Kind) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-rc.stopCh:
				return
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if rc.stopped() {
				return
			}

			out := s.dispatch(ctx, entry.Network, kind, shared)
			if out.Status == StatusStopped {
				rc.stop()
				return
			}
			s.wait(ctx, rc, s.intervalDuration())
		}(kind)
	}
	wg.Wait()
}

// dispatch builds and runs one task and records its outcome
func (s *Scheduler) dispatch(ctx context.Context, network *Network, kind Kind, shared connectionResult) Outcome {
	task := Task{
		Kind:     kind,
		Network:  network,
		Wallet:   s.nextWallet(),
		Simulate: s.Settings().Simulate,
	}

	var out Outcome
	switch {
	case !needsChain(kind):
		out = s.runner.Execute(ctx, task, shared.conn)
	case shared.err != nil:
		out = connectionFailureOutcome(task, shared.err)
	default:
		// refresh the cached connection, re-establishing it if it expired meanwhile
		conn, err := s.pool.Acquire(ctx, network.Endpoint())
		if err != nil {
			out = connectionFailureOutcome(task, err)
		} else {
			out = s.runner.Execute(ctx, task, conn)
		}
	}

	s.record(ctx, out)
	return out
}

// connectionFailureOutcome is skipped for an authorization denial and error otherwise
func connectionFailureOutcome(task Task, err error) Outcome {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return task.outcome(StatusSkipped, err.Error())
	}
	return task.outcome(StatusError, err.Error())
}

// record appends the outcome synchronously. It uses a context detached from cancellation
// so outcomes of in-flight tasks are still persisted after the run is cancelled.
func (s *Scheduler) record(ctx context.Context, out Outcome) {
	entry := NewHistoryEntry(out, s.now())
	if err := s.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.WithFields(logger.Fields{
			"network": out.Network,
			"kind":    out.Kind.String(),
			"error":   err,
		}).Error("Couldn't append history entry")
	}
	if s.outcomeHook != nil {
		s.outcomeHook(out)
	}
}
