// Package app wires configuration, persistence and the automation loop into the
// taskarmy command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/spf13/cobra"

	"github.com/tranvictor/taskarmy"
	"github.com/tranvictor/taskarmy/internal/config"
)

const cliName = "taskarmy"

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// notify subscribes c to the process signals that cancel a run
	notify func(c chan<- os.Signal)
	stop   func(c chan<- os.Signal)
}

func NewRunner() *Runner {
	return NewRunnerWithIO(os.Stdin, os.Stdout, os.Stderr)
}

func NewRunnerWithIO(stdin io.Reader, stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		notify: func(c chan<- os.Signal) { signal.Notify(c, os.Interrupt, syscall.SIGTERM) },
		stop:   func(c chan<- os.Signal) { signal.Stop(c) },
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.Flags
	simulate bool
	cfg      config.Config
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		fmt.Fprintf(r.stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cliName,
		Short: "Testnet task automation across networks and wallets",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if cmd.Flags().Changed("simulate") {
				s.flags.Simulate = &s.simulate
			}
			cfg, err := config.Load(s.flags)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			s.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringSliceVar(&s.flags.EnvFiles, "env-file", nil, "Env files to load (default .env then .env.local)")
	cmd.PersistentFlags().StringVar(&s.flags.HistoryBackend, "history", "", "History backend: file, sqlite or redis")
	cmd.PersistentFlags().StringVar(&s.flags.HistoryPath, "history-path", "", "History file or database path")

	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newNetworksCommand())
	return cmd
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var (
		networks  []string
		functions []string
		maxCycles int
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the selected tasks on the selected networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := s.cfg
			if len(cfg.Wallets) == 0 {
				return fmt.Errorf("no wallets configured, set %s", config.EnvPrivateKeys)
			}
			sel, err := taskarmy.ParseSelection(cfg.Networks, networks, functions)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			st, err := openStores(ctx, cfg.History)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			var prompter taskarmy.Prompter = taskarmy.FixedPolicy{Continue: true, Cancel: true}
			if !yes {
				prompter = newTerminalPrompter(s.runner.stdin, s.runner.stdout)
			}

			guard := taskarmy.NewAccessGuard(taskarmy.WithRateLimit(cfg.Pool.RateLimit, cfg.Pool.RateWindow))
			for _, origin := range cfg.Origins() {
				guard.Whitelist(origin, 0)
			}
			pool := taskarmy.NewConnectionPool(guard,
				taskarmy.WithConnectionTimeout(cfg.Pool.ConnectionTimeout),
				taskarmy.WithMaxRetries(cfg.Pool.MaxRetries),
			)
			defer pool.Close()
			sweeperDone := pool.StartSweeper(ctx, cfg.Pool.SweepInterval)

			execOpts := []taskarmy.ExecutorOption{
				taskarmy.WithPrompter(prompter),
				taskarmy.WithSettings(cfg.Settings),
			}
			if st.pairs != nil {
				execOpts = append(execOpts, taskarmy.WithPairMemory(st.pairs))
			}
			scheduler := taskarmy.NewScheduler(pool, taskarmy.NewExecutor(execOpts...), st.history,
				taskarmy.WithWallets(cfg.Wallets),
				taskarmy.WithCancelPrompter(prompter),
				taskarmy.WithSchedulerSettings(cfg.Settings),
				taskarmy.WithMaxConcurrency(cfg.Scheduler.MaxConcurrency),
				taskarmy.WithMaxCycles(maxCycles),
				taskarmy.WithBulkWait(cfg.Scheduler.BulkWaitMin, cfg.Scheduler.BulkWaitMax),
				taskarmy.WithOutcomeHook(s.printOutcome),
			)
			if err := scheduler.ApplySettings(ctx, cfg.Settings); err != nil {
				return err
			}

			stopSignals := s.runner.watchSignals(scheduler, cancel)
			defer stopSignals()

			logger.WithFields(logger.Fields{
				"networks": len(sel),
				"wallets":  len(cfg.Wallets),
				"simulate": cfg.Settings.Simulate,
				"history":  cfg.History.Backend,
			}).Info("Automation started")

			err = scheduler.Run(ctx, sel)
			cancel()
			<-sweeperDone
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&networks, "networks", nil, "Networks to run on (comma-separated, default all)")
	cmd.Flags().StringSliceVar(&functions, "functions", []string{taskarmy.RunAllMarker}, "Task kinds to run (comma-separated or run-all)")
	cmd.Flags().BoolVar(&s.simulate, "simulate", false, "Simulate on-chain tasks without sending transactions")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "Stop after this many cycles (0 runs until cancelled)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Never prompt, continue after failures and cancel without confirmation")
	return cmd
}

// watchSignals turns the first interrupt into a scheduler cancellation request and a
// second one into an immediate stop.
func (r *Runner) watchSignals(scheduler *taskarmy.Scheduler, cancel context.CancelFunc) func() {
	if r.notify == nil {
		return func() {}
	}
	sigs := make(chan os.Signal, 2)
	r.notify(sigs)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if scheduler.State() == taskarmy.StateCancelling || sig == syscall.SIGTERM {
					logger.WithFields(logger.Fields{
						"signal": sig.String(),
					}).Warn("Stopping immediately")
					cancel()
					continue
				}
				scheduler.Cancel()
			}
		}
	}()
	return func() {
		if r.stop != nil {
			r.stop(sigs)
		}
		close(done)
	}
}

func (s *runtimeState) printOutcome(o taskarmy.Outcome) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-9s %s %s", o.Network, o.Kind, shortAddress(o.Wallet.Hex()), strings.ToUpper(string(o.Status)))
	if o.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", o.TxHash)
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s)", o.Reason)
	}
	fmt.Fprintln(s.runner.stdout, b.String())
}

func shortAddress(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + ".." + hex[len(hex)-4:]
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var (
		filter taskarmy.HistoryFilter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded task history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, s.cfg.History)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			entries, err := st.query(ctx, filter)
			if err != nil {
				return err
			}
			return writeHistory(s.runner.stdout, entries, asJSON)
		},
	}
	cmd.Flags().StringVar(&filter.Network, "network", "", "Only entries of this network")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Only entries of this type (swap, transfer, faucet, settings, ...)")
	cmd.Flags().StringVar(&filter.Token, "token", "", "Only entries involving this token symbol")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Show at most this many of the newest entries (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON lines")

	cmd.AddCommand(s.newHistoryPruneCommand())
	return cmd
}

// prunable stores can drop old entries
type (
	countTrimmer interface {
		Trim(ctx context.Context, keep int64) (int64, error)
	}
	ageTrimmer interface {
		DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	}
)

func (s *runtimeState) newHistoryPruneCommand() *cobra.Command {
	var (
		keep      int64
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop old history entries (redis: --keep, sqlite: --older-than)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, s.cfg.History)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			var removed int64
			switch store := st.history.(type) {
			case countTrimmer:
				if keep <= 0 {
					return fmt.Errorf("--keep must be positive for the %s backend", s.cfg.History.Backend)
				}
				removed, err = store.Trim(ctx, keep)
			case ageTrimmer:
				if olderThan <= 0 {
					return fmt.Errorf("--older-than must be positive for the %s backend", s.cfg.History.Backend)
				}
				removed, err = store.DeleteOlderThan(ctx, olderThan)
			default:
				return fmt.Errorf("the %s history backend can't be pruned", s.cfg.History.Backend)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(s.runner.stdout, "removed %d entries\n", removed)
			return nil
		},
	}
	cmd.Flags().Int64Var(&keep, "keep", 0, "Keep only the newest entries")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Remove entries older than this")
	return cmd
}

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured networks and the tasks they support",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, n := range s.cfg.Networks {
				var kinds []string
				if len(n.Tokens) >= 2 {
					kinds = append(kinds, taskarmy.KindSwap.String())
				}
				kinds = append(kinds, taskarmy.KindTransfer.String())
				if n.Faucet != nil {
					kinds = append(kinds, taskarmy.KindFaucet.String())
				}
				if n.Contract != nil {
					kinds = append(kinds, taskarmy.KindDeploy.String())
				}
				if n.CheckIn != nil {
					kinds = append(kinds, taskarmy.KindCheckIn.String())
				}
				fmt.Fprintf(s.runner.stdout, "%s\tchain=%d\ttokens=%d\t%s\n", n.Name, n.ChainID, len(n.Tokens), strings.Join(kinds, ","))
			}
			return nil
		},
	}
}
