// Package optimizer searches the bounded hyperparameter space for a horizon
// and backtests every evaluated point.
//
// The default traversal is an exhaustive grid search: the spaces are small
// (2-4 dimensions, at most a few dozen combinations) and determinism is worth
// more than stochastic cleverness at that scale. When the estimated cost of
// the full grid exceeds the wall-clock budget, the run degrades up front to a
// deterministic bounded subsample, which is logged. Individual points that
// fail to backtest are skipped and counted, never fatal; a run where every
// point fails returns an empty candidate list and is recorded as a no-op by
// the caller.
package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/HatiCode/recal/pkg/backtest"
	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/params"
)

// Config bounds one optimization run.
type Config struct {
	// Budget is the overall wall-clock budget. Defaults to 10m.
	Budget time.Duration

	// CostPerPoint is the estimated backtest cost of a single grid point,
	// used only for the up-front strategy choice. Defaults to 20s.
	CostPerPoint time.Duration
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 10 * time.Minute
	}
	if c.CostPerPoint <= 0 {
		c.CostPerPoint = 20 * time.Second
	}
	return c
}

// Result carries the ranked candidates plus run accounting.
type Result struct {
	// Candidates is ranked best-first: primary error ascending, ties broken
	// by latency ascending.
	Candidates []params.Candidate

	Strategy Strategy

	// Evaluated and Skipped count grid points tried and points that failed.
	Evaluated int
	Skipped   int
}

// Optimizer runs grid searches against a backtest runner.
type Optimizer struct {
	runner backtest.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates an optimizer. A nil logger falls back to slog.Default.
func New(runner backtest.Runner, cfg Config, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Optimize backtests the search space over the trailing window and returns
// ranked candidates. The window is the same forecast-vs-realized series the
// trigger manager snapshots, typically the last 30 observations.
func (o *Optimizer) Optimize(ctx context.Context, horizon string, space SearchSpace, window []observe.Observation) (Result, error) {
	if err := space.Validate(); err != nil {
		return Result{}, err
	}
	if len(window) == 0 {
		return Result{}, errors.New("backtest window cannot be empty")
	}

	pl := choosePlan(space, o.cfg.Budget, o.cfg.CostPerPoint)
	if pl.strategy == StrategyBoundedSubsample {
		o.logger.Warn("search space exceeds budget, degrading to bounded subsample",
			"horizon", horizon,
			"grid_size", space.Size(),
			"subsample_size", len(pl.points),
			"budget", o.cfg.Budget,
		)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	res := Result{Strategy: pl.strategy}
	start := time.Now()

	for _, p := range pl.points {
		// The budget is enforced between points: a running backtest is never
		// interrupted mid-flight.
		if ctx.Err() != nil {
			o.logger.Warn("optimizer budget exhausted, stopping early",
				"horizon", horizon,
				"evaluated", res.Evaluated,
				"remaining", len(pl.points)-res.Evaluated-res.Skipped,
			)
			break
		}

		if err := p.Validate(); err != nil {
			o.logger.Debug("skipping invalid grid point", "horizon", horizon, "params", p, "error", err)
			res.Skipped++
			continue
		}

		trace, err := o.runner.Run(ctx, horizon, p, window)
		if err != nil {
			o.logger.Warn("backtest failed for grid point, skipping",
				"horizon", horizon, "params", p, "error", err)
			res.Skipped++
			continue
		}

		bundle, err := backtest.Score(trace)
		if err != nil {
			o.logger.Warn("scoring failed for grid point, skipping",
				"horizon", horizon, "params", p, "error", err)
			res.Skipped++
			continue
		}

		res.Evaluated++
		res.Candidates = append(res.Candidates, params.Candidate{Params: p, Metrics: bundle})
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i].Metrics, res.Candidates[j].Metrics
		if a.MAE != b.MAE {
			return a.MAE < b.MAE
		}
		return a.LatencyMS < b.LatencyMS
	})

	o.logger.Info("optimization complete",
		"horizon", horizon,
		"strategy", string(res.Strategy),
		"evaluated", res.Evaluated,
		"skipped", res.Skipped,
		"candidates", len(res.Candidates),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return res, nil
}
