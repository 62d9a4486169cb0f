// Command recal automates recalibration of deployed forecasting model
// configurations.
//
// Each run for a horizon walks the full pipeline:
//  1. Evaluates trigger conditions (degradation, drift, age) against live
//     observations and the attempt history
//  2. Grid-searches the horizon's hyperparameter space via backtests
//  3. Validates the best candidate against the live configuration
//  4. Atomically promotes approved candidates, with a verified backup
//  5. Monitors the fresh deployment and rolls back on repeated failures
//
// Usage:
//
//	recal run --horizon=h24 [--dry-run]
//	recal validate --horizon=h24
//	recal rollback --horizon=h24
//	recal status [--horizon=h24]
//	recal serve
//
// Exit codes: 0 = no action or success, 1 = candidate rejected,
// 2 = operational failure.
//
// Environment variables:
//
//	CONFIG_DIR     - Live configuration directory (default: /var/lib/recal/configs)
//	HISTORY_DIR    - Attempt history directory (default: /var/lib/recal/history)
//	LOCK_DIR       - Per-horizon lock directory (default: /var/lib/recal/locks)
//	HORIZONS_FILE  - Per-horizon tunables YAML (default: /etc/recal/horizons.yaml)
//	HISTORY_BACKEND- file, memory, or redis (default: file)
//	SOURCE         - Observation source kind: http or static (default: http)
//	SOURCE_*       - Source configuration (e.g. SOURCE_ERRORS_URL)
//	BACKTEST_URL   - Model-serving backtest endpoint (required)
//	WEBHOOK_URL    - Optional notification webhook
//	LOG_LEVEL      - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT     - Logging format: text, json (default: text)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HatiCode/recal/cmd/recal/config"
	"github.com/HatiCode/recal/cmd/recal/metrics"
	"github.com/HatiCode/recal/cmd/recal/router"
	"github.com/HatiCode/recal/pkg/backtest"
	"github.com/HatiCode/recal/pkg/deploy"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/httpx"
	"github.com/HatiCode/recal/pkg/notify"
	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/params"
)

// version is set via ldflags at build time
var version = "dev"

// errRejected maps a completed-but-rejected run to exit code 1.
var errRejected = errors.New("candidate rejected by validation")

func main() {
	cfg := config.Defaults()

	var horizonFlag string
	var dryRun bool

	root := &cobra.Command{
		Use:           "recal",
		Short:         "Automated recalibration for deployed forecasting models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.ConfigDir, "config-dir", cfg.ConfigDir, "Live configuration directory")
	pf.StringVar(&cfg.HistoryDir, "history-dir", cfg.HistoryDir, "Attempt history directory")
	pf.StringVar(&cfg.LockDir, "lock-dir", cfg.LockDir, "Per-horizon lock directory")
	pf.StringVar(&cfg.HorizonsFile, "horizons-file", cfg.HorizonsFile, "Per-horizon tunables YAML file")
	pf.StringVar(&cfg.History, "history-backend", cfg.History, "History backend: file, memory, or redis")
	pf.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis server address")
	pf.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	pf.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	pf.StringVar(&cfg.Source, "source", cfg.Source, "Observation source: http or static")
	pf.StringVar(&cfg.BacktestURL, "backtest-url", cfg.BacktestURL, "Model-serving backtest endpoint")
	pf.DurationVar(&cfg.OptimizeBudget, "optimize-budget", cfg.OptimizeBudget, "Wall-clock budget per optimization run")
	pf.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "Notification webhook URL")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	pf.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address (serve mode)")
	pf.DurationVar(&cfg.CheckInterval, "check-interval", cfg.CheckInterval, "Trigger check interval (serve mode)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recalibration pipeline once for a horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), cfg, horizonFlag, dryRun)
		},
	}
	runCmd.Flags().StringVar(&horizonFlag, "horizon", "", "Horizon name (required)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop before deployment")
	runCmd.MarkFlagRequired("horizon")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the live configuration file for a horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cfg, horizonFlag)
		},
	}
	validateCmd.Flags().StringVar(&horizonFlag, "horizon", "", "Horizon name (required)")
	validateCmd.MarkFlagRequired("horizon")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent configuration backup for a horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rollback(cmd.Context(), cfg, horizonFlag)
		},
	}
	rollbackCmd.Flags().StringVar(&horizonFlag, "horizon", "", "Horizon name (required)")
	rollbackCmd.MarkFlagRequired("horizon")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print state, live configuration, and last attempt per horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return status(cmd.Context(), cfg, horizonFlag)
		},
	}
	statusCmd.Flags().StringVar(&horizonFlag, "horizon", "", "Horizon name (all when omitted)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic trigger-check loop with a status/metrics API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	root.AddCommand(runCmd, validateCmd, rollbackCmd, statusCmd, serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errRejected) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newStore creates the history backend named by the configuration.
func newStore(cfg *config.Config, logger *slog.Logger) (history.Store, func(), error) {
	switch cfg.History {
	case "memory":
		return history.NewMemoryStore(), func() {}, nil
	case "redis":
		store, err := history.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis history: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close redis history store", "error", err)
			}
		}, nil
	default:
		store, err := history.NewFileStore(cfg.HistoryDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file history: %w", err)
		}
		return store, func() {}, nil
	}
}

// buildDeps assembles the shared pipeline dependencies.
func buildDeps(cfg *config.Config, logger *slog.Logger) (observe.Source, history.Store, func(), *deploy.Manager, backtest.Runner, notify.Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	source, err := observe.New(cfg.Source, cfg.SourceConfig)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("create observation source: %w", err)
	}

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	deployer, err := deploy.NewManager(cfg.ConfigDir, store, logger)
	if err != nil {
		closeStore()
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("create deployment manager: %w", err)
	}

	runner := &backtest.HTTPRunner{
		URL:        cfg.BacktestURL,
		HTTPClient: httpx.NewClient(cfg.BacktestTimeout),
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.WebhookURL != "" {
		notifier = notify.NewMulti(logger,
			notify.NewLogNotifier(logger),
			notify.NewWebhookNotifier(cfg.WebhookURL, nil, 10*time.Second),
		)
	}

	return source, store, closeStore, deployer, runner, notifier, nil
}

// runOnce executes the pipeline for one horizon and maps the result to the
// CLI exit-code contract.
func runOnce(ctx context.Context, cfg *config.Config, horizon string, dryRun bool) error {
	logger := newLogger(cfg)

	horizons, err := config.LoadHorizons(cfg.HorizonsFile)
	if err != nil {
		return err
	}
	hz, err := config.FindHorizon(horizons, horizon)
	if err != nil {
		return err
	}

	source, store, closeStore, deployer, runner, notifier, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	logger.Info("starting recalibration run",
		"version", version,
		"horizon", horizon,
		"dry_run", dryRun,
	)

	p := NewPipeline(cfg, hz, source, store, runner, deployer, notifier, metrics.New(), logger)
	res, err := p.Run(ctx, dryRun)
	if err != nil {
		return err
	}

	switch {
	case res.Locked:
		logger.Info("run skipped: horizon locked by another run", "horizon", horizon)
	case !res.Fired:
		logger.Info("run complete: no trigger condition held", "horizon", horizon)
	case res.Decision == history.DecisionRejected:
		return fmt.Errorf("%w: %v", errRejected, res.FailedCriteria)
	case res.DryRun:
		logger.Info("dry run complete: candidate approved", "horizon", horizon)
	case res.Decision == history.DecisionDeployed:
		logger.Info("run complete",
			"horizon", horizon,
			"version_id", res.VersionID,
			"outcome", string(res.Outcome),
		)
	default:
		logger.Info("run complete", "horizon", horizon, "decision", string(res.Decision))
	}
	return nil
}

// validateConfig checks that the horizon's live configuration file exists,
// parses, and passes schema validation.
func validateConfig(cfg *config.Config, horizon string) error {
	logger := newLogger(cfg)

	active, found, err := params.Load(cfg.ConfigDir, horizon)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: no live configuration for horizon %q", errRejected, horizon)
	}
	if err := active.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}

	logger.Info("configuration valid",
		"horizon", horizon,
		"version_id", active.VersionID,
		"promoted_at", active.PromotedAt,
		"params", active.Params,
	)
	return nil
}

// rollback restores the latest backup for a horizon.
func rollback(ctx context.Context, cfg *config.Config, horizon string) error {
	logger := newLogger(cfg)

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deployer, err := deploy.NewManager(cfg.ConfigDir, store, logger)
	if err != nil {
		return err
	}

	restored, err := deployer.Rollback(ctx, horizon, "operator")
	if err != nil {
		return err
	}
	if !restored {
		return fmt.Errorf("no backup to restore for horizon %q", horizon)
	}
	return nil
}

// status prints per-horizon state as JSON on stdout.
func status(ctx context.Context, cfg *config.Config, horizon string) error {
	logger := newLogger(cfg)

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deployer, err := deploy.NewManager(cfg.ConfigDir, store, logger)
	if err != nil {
		return err
	}

	var names []string
	if horizon != "" {
		names = []string{horizon}
	} else {
		horizons, err := config.LoadHorizons(cfg.HorizonsFile)
		if err != nil {
			return err
		}
		for _, h := range horizons {
			names = append(names, h.Name)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, name := range names {
		st, err := router.Status(ctx, deployer, store, name)
		if err != nil {
			return err
		}
		if err := enc.Encode(st); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
	}
	return nil
}

// serve runs the periodic trigger-check loop alongside the HTTP API.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	horizons, err := config.LoadHorizons(cfg.HorizonsFile)
	if err != nil {
		return err
	}

	source, store, closeStore, deployer, runner, notifier, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()

	names := make([]string, 0, len(horizons))
	for _, h := range horizons {
		names = append(names, h.Name)
	}

	mux := router.SetupRoutes(deployer, store, names, logger)
	httpServer := httpx.NewServer(cfg.Listen, mux, logger)

	logger.Info("starting recal daemon",
		"version", version,
		"horizons", names,
		"check_interval", cfg.CheckInterval,
		"listen", cfg.Listen,
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)

		checkAll := func() {
			for _, hz := range horizons {
				if ctx.Err() != nil {
					return
				}
				p := NewPipeline(cfg, hz, source, store, runner, deployer, notifier, m, logger)
				if _, err := p.Run(ctx, false); err != nil {
					logger.Error("scheduled run failed", "horizon", hz.Name, "error", err)
				}
			}
		}

		checkAll()
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkAll()
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
			return err
		}
	}

	logger.Info("shutting down")
	<-loopDone

	if err := httpServer.Stop(10 * time.Second); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
