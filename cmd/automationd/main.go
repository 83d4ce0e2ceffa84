package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relvohq/automation/internal/actions"
	"github.com/relvohq/automation/internal/engine"
	"github.com/relvohq/automation/internal/scheduler"
	"github.com/relvohq/automation/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "automationd",
		Short:        "Rule-driven automation engine for CRM entities",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the automation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg)

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			logger.Info("migrations applied", "db_path", cfg.DBPath)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if err := os.MkdirAll(automationDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := actions.NewRegistry()
	err = actions.RegisterBuiltins(registry,
		&actions.LogNotifier{Logger: logger},
		&actions.LogTaskService{Logger: logger},
		&actions.LogEntityUpdater{Logger: logger},
		actions.WebhookConfig{DefaultTimeout: cfg.actionTimeout()},
	)
	if err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	executor := engine.NewExecutor(st, registry, logger,
		engine.WithActionTimeout(cfg.actionTimeout()),
		engine.WithMaxAttempts(cfg.MaxAttempts),
	)
	pool := engine.NewWorkerPool(cfg.PoolSize)
	eng := engine.NewEngine(st, executor, pool, nil, logger)

	sched := scheduler.NewScheduler(st, eng, cfg.tickInterval(), logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("automation daemon started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"tick_interval", cfg.tickInterval().String())

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop failed", "error", err.Error())
	}
	pool.Shutdown()

	m := eng.PoolMetricsSnapshot()
	logger.Info("worker pool drained",
		"completed", m.Completed,
		"panics", m.Panics)
	return nil
}
