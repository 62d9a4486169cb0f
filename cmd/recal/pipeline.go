package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/recal/cmd/recal/config"
	"github.com/HatiCode/recal/cmd/recal/metrics"
	"github.com/HatiCode/recal/pkg/backtest"
	"github.com/HatiCode/recal/pkg/deploy"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/lock"
	"github.com/HatiCode/recal/pkg/notify"
	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/optimizer"
	"github.com/HatiCode/recal/pkg/params"
	"github.com/HatiCode/recal/pkg/trigger"
	"github.com/HatiCode/recal/pkg/validator"
)

// Pipeline wires one horizon's recalibration run end to end:
// lock, trigger, optimize, validate, deploy, monitor.
type Pipeline struct {
	cfg     *config.Config
	horizon config.Horizon

	source   observe.Source
	store    history.Store
	runner   backtest.Runner
	deployer *deploy.Manager
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// RunResult summarizes one pipeline run for the CLI's exit-code mapping.
type RunResult struct {
	// Locked is true when another run held the horizon lock; nothing was done.
	Locked bool

	// Fired is false when no trigger condition held; nothing was done.
	Fired   bool
	Reasons []string

	Decision       history.Decision
	FailedCriteria []string

	// DryRun is true when the run stopped before deployment on request.
	DryRun bool

	// AlreadyLive is true when the approved candidate's parameters already
	// matched the live configuration; the run ends without a new deployment.
	AlreadyLive bool

	VersionID string
	Outcome   history.Outcome
}

// NewPipeline assembles a pipeline for one horizon.
func NewPipeline(cfg *config.Config, horizon config.Horizon, source observe.Source,
	store history.Store, runner backtest.Runner, deployer *deploy.Manager,
	notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Pipeline {

	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		horizon:  horizon,
		source:   source,
		store:    store,
		runner:   runner,
		deployer: deployer,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Run executes the pipeline once. Infrastructure errors abort the run
// fail-closed: the live configuration is left untouched and an aborted
// attempt is recorded.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (RunResult, error) {
	name := p.horizon.Name

	l, err := lock.Acquire(p.cfg.LockDir, name, 0)
	if errors.Is(err, lock.ErrHeld) {
		p.logger.Info("recalibration already running, skipping", "horizon", name)
		return RunResult{Locked: true}, nil
	}
	if err != nil {
		return RunResult{}, fmt.Errorf("acquire horizon lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			p.logger.Warn("failed to release horizon lock", "horizon", name, "error", err)
		}
	}()

	trig := trigger.NewManager(p.source, p.store, p.horizon.Policy(), p.logger)

	start := time.Now()
	dec, err := trig.ShouldRecalibrate(ctx, name)
	p.metrics.RecordTriggerEvaluate(time.Since(start).Seconds())
	if err != nil {
		p.abort(ctx, name, nil, fmt.Sprintf("trigger evaluation failed: %v", err))
		return RunResult{}, fmt.Errorf("evaluate trigger: %w", err)
	}
	p.metrics.SetDegradationRatio(name, dec.Snapshot.Degradation())

	if !dec.Fire {
		p.logger.Info("no trigger condition held", "horizon", name, "cooling_down", dec.CoolingDown)
		return RunResult{Fired: false}, nil
	}

	res := RunResult{Fired: true, Reasons: dec.Reasons}
	p.notify(ctx, notify.Event{
		Type:    notify.EventTriggerFired,
		Horizon: name,
		At:      time.Now().UTC(),
		Reasons: dec.Reasons,
	})

	// The backtest window is the same forecast-vs-realized series the trigger
	// snapshotted, bounded separately so the optimizer can use a longer view.
	window, err := p.source.Errors(ctx, name, p.backtestWindow())
	if err != nil {
		p.abort(ctx, name, dec.Reasons, fmt.Sprintf("fetch backtest window: %v", err))
		return res, fmt.Errorf("fetch backtest window: %w", err)
	}

	opt := optimizer.New(p.runner, optimizer.Config{
		Budget:       p.cfg.OptimizeBudget,
		CostPerPoint: p.cfg.CostPerPoint,
	}, p.logger)

	start = time.Now()
	optRes, err := opt.Optimize(ctx, name, p.horizon.Space, window)
	p.metrics.RecordOptimize(time.Since(start).Seconds())
	if err != nil {
		p.abort(ctx, name, dec.Reasons, fmt.Sprintf("optimization failed: %v", err))
		return res, fmt.Errorf("optimize: %w", err)
	}

	if len(optRes.Candidates) == 0 {
		res.Decision = history.DecisionNoCandidates
		p.record(ctx, history.Entry{
			AttemptID: uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Horizon:   name,
			Reasons:   dec.Reasons,
			Decision:  history.DecisionNoCandidates,
			Outcome:   history.OutcomeNone,
			Note:      fmt.Sprintf("evaluated %d points, skipped %d", optRes.Evaluated, optRes.Skipped),
		})
		p.metrics.RecordRun(name, string(history.DecisionNoCandidates))
		p.notify(ctx, notify.Event{
			Type:     notify.EventValidationResult,
			Horizon:  name,
			At:       time.Now().UTC(),
			Reasons:  dec.Reasons,
			Decision: string(history.DecisionNoCandidates),
		})
		return res, nil
	}

	best := optRes.Candidates[0]

	active, hasActive, err := p.deployer.Active(name)
	if err != nil {
		p.abort(ctx, name, dec.Reasons, fmt.Sprintf("load active configuration: %v", err))
		return res, fmt.Errorf("load active configuration: %w", err)
	}

	// A horizon with no live configuration has nothing to compare against;
	// the best candidate is promoted to seed it.
	report := validator.Report{Approved: true}
	if hasActive {
		report = validator.Validate(best.Metrics, active.Metrics, p.horizon.GatesStruct())
	}

	if !report.Approved {
		res.Decision = history.DecisionRejected
		res.FailedCriteria = report.FailedCriteria()
		p.record(ctx, history.Entry{
			AttemptID:        uuid.NewString(),
			Timestamp:        time.Now().UTC(),
			Horizon:          name,
			Reasons:          dec.Reasons,
			CandidateMetrics: &best.Metrics,
			Decision:         history.DecisionRejected,
			FailedCriteria:   res.FailedCriteria,
			Outcome:          history.OutcomeNone,
		})
		p.metrics.RecordRun(name, string(history.DecisionRejected))
		p.notify(ctx, notify.Event{
			Type:     notify.EventValidationResult,
			Horizon:  name,
			At:       time.Now().UTC(),
			Reasons:  res.FailedCriteria,
			Decision: string(history.DecisionRejected),
			Deltas:   metricDeltas(best, active, hasActive),
		})
		return res, nil
	}

	if dryRun {
		res.DryRun = true
		res.Decision = history.DecisionDeployed
		p.logger.Info("dry run: candidate approved, stopping before deploy",
			"horizon", name,
			"params", best.Params,
			"candidate_mae", best.Metrics.MAE,
		)
		return res, nil
	}

	versionID, deployed, err := p.deployer.Deploy(ctx, name, best, dec.Reasons)
	if err != nil {
		p.abort(ctx, name, dec.Reasons, fmt.Sprintf("deploy failed: %v", err))
		return res, fmt.Errorf("deploy: %w", err)
	}
	res.Decision = history.DecisionDeployed
	res.VersionID = versionID

	// A no-op deploy leaves nothing to monitor: the fresh backtest approved
	// the parameters that are already live.
	if !deployed {
		res.AlreadyLive = true
		p.logger.Info("approved candidate already live, nothing to deploy",
			"horizon", name, "version_id", versionID)
		p.metrics.RecordRun(name, "already_live")
		return res, nil
	}

	p.metrics.SetCandidateMAE(name, best.Metrics.MAE)
	p.metrics.RecordRun(name, string(history.DecisionDeployed))
	p.notify(ctx, notify.Event{
		Type:      notify.EventDeployment,
		Horizon:   name,
		At:        time.Now().UTC(),
		Reasons:   dec.Reasons,
		Decision:  string(history.DecisionDeployed),
		Deltas:    metricDeltas(best, active, hasActive),
		VersionID: versionID,
	})

	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := watchExecutions(monCtx, p.source, name, time.Now(), p.pollInterval(), p.logger)

	outcome, err := p.deployer.Monitor(ctx, name, results, deploy.MonitorConfig{
		Window:           p.cfg.MonitorWindow,
		MaxExecutions:    p.cfg.MonitorExecutions,
		FailureThreshold: p.cfg.MonitorFailures,
	})
	res.Outcome = outcome
	if err != nil {
		return res, fmt.Errorf("monitor deployment: %w", err)
	}

	p.metrics.RecordDeployment(name, string(outcome))
	if outcome == history.OutcomeRolledBack {
		p.metrics.RecordRollback(name, "monitor_failures")
		p.notify(ctx, notify.Event{
			Type:      notify.EventRollback,
			Horizon:   name,
			At:        time.Now().UTC(),
			Reasons:   []string{"monitor_failures"},
			VersionID: versionID,
		})
	}

	return res, nil
}

func (p *Pipeline) backtestWindow() time.Duration {
	if w := p.horizon.BacktestWindow.Std(); w > 0 {
		return w
	}
	if w := p.horizon.Policy().BaselineWindow; w > 0 {
		return w
	}
	return 7 * 24 * time.Hour
}

func (p *Pipeline) pollInterval() time.Duration {
	execs := p.cfg.MonitorExecutions
	if execs <= 0 {
		execs = 5
	}
	window := p.cfg.MonitorWindow
	if window <= 0 {
		window = time.Hour
	}
	return window / time.Duration(execs*2)
}

// abort records a fail-closed attempt and emits the aborted event.
// Best effort on both; the original error is what the caller surfaces.
func (p *Pipeline) abort(ctx context.Context, horizon string, reasons []string, note string) {
	p.metrics.RecordError("pipeline", "aborted")
	p.metrics.RecordRun(horizon, string(history.DecisionAborted))
	p.record(ctx, history.Entry{
		AttemptID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Horizon:   horizon,
		Reasons:   reasons,
		Decision:  history.DecisionAborted,
		Outcome:   history.OutcomeNone,
		Note:      note,
	})
	p.notify(ctx, notify.Event{
		Type:    notify.EventRunAborted,
		Horizon: horizon,
		At:      time.Now().UTC(),
		Reasons: reasons,
		Note:    note,
	})
}

func (p *Pipeline) record(ctx context.Context, e history.Entry) {
	if err := p.store.Append(ctx, e); err != nil {
		p.metrics.RecordError("history", "append")
		p.logger.Error("failed to append history entry",
			"horizon", e.Horizon, "decision", string(e.Decision), "error", err)
	}
}

func (p *Pipeline) notify(ctx context.Context, ev notify.Event) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn("notification failed", "event", string(ev.Type), "error", err)
	}
}

// metricDeltas summarizes candidate-vs-active metric movement for
// notifications, e.g. {"mae": "-7.2%"}.
func metricDeltas(cand params.Candidate, active params.ActiveConfiguration, hasActive bool) map[string]string {
	if !hasActive {
		return nil
	}
	deltas := make(map[string]string, 3)
	if d, ok := relDelta(active.Metrics.MAE, cand.Metrics.MAE); ok {
		deltas["mae"] = d
	}
	if d, ok := relDelta(active.Metrics.RMSE, cand.Metrics.RMSE); ok {
		deltas["rmse"] = d
	}
	if d, ok := relDelta(active.Metrics.LatencyMS, cand.Metrics.LatencyMS); ok {
		deltas["latencyMs"] = d
	}
	return deltas
}

func relDelta(prev, next float64) (string, bool) {
	if prev == 0 {
		return "", false
	}
	return fmt.Sprintf("%+.1f%%", (next-prev)/prev*100), true
}

// watchExecutions polls the observe source for forecast executions that land
// after the deployment and reports one result per new observation. An
// observation with a non-finite forecast or realized value counts as a failed
// execution. The channel closes when ctx is cancelled.
func watchExecutions(ctx context.Context, source observe.Source, horizon string,
	since time.Time, interval time.Duration, logger *slog.Logger) <-chan deploy.ExecutionResult {

	out := make(chan deploy.ExecutionResult)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastSeen := since
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			obs, err := source.Errors(ctx, horizon, time.Since(lastSeen)+interval)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to poll executions", "horizon", horizon, "error", err)
				continue
			}

			for _, o := range obs {
				if !o.Ts.After(lastSeen) {
					continue
				}
				lastSeen = o.Ts

				res := deploy.ExecutionResult{OK: true}
				if math.IsNaN(o.Forecast) || math.IsInf(o.Forecast, 0) ||
					math.IsNaN(o.Actual) || math.IsInf(o.Actual, 0) {
					res = deploy.ExecutionResult{OK: false, Err: fmt.Errorf("non-finite observation at %s", o.Ts)}
				}

				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
