package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/HatiCode/recal/cmd/recal/config"
	"github.com/HatiCode/recal/cmd/recal/metrics"
	"github.com/HatiCode/recal/pkg/backtest"
	"github.com/HatiCode/recal/pkg/deploy"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/lock"
	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/optimizer"
	"github.com/HatiCode/recal/pkg/params"
)

// Metrics register on the default Prometheus registry, so all pipeline tests
// share one instance.
var testMetrics = metrics.New()

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type scriptedRunner struct {
	trace backtest.Trace
	err   error
}

func (r *scriptedRunner) Run(context.Context, string, params.ParameterSet, []observe.Observation) (backtest.Trace, error) {
	return r.trace, r.err
}

// goodTrace alternates errors of +1/-1 around the realized value: MAE 1,
// zero bias, full interval coverage.
func goodTrace() backtest.Trace {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	var points []backtest.TracePoint
	for i := 0; i < 10; i++ {
		forecast := 101.0
		if i%2 == 1 {
			forecast = 99.0
		}
		points = append(points, backtest.TracePoint{
			Ts:       base.Add(time.Duration(i) * time.Minute),
			Forecast: forecast,
			Actual:   100,
			Lo:       90,
			Hi:       110,
		})
	}
	return backtest.Trace{Points: points, LatencyMS: 50}
}

func testHorizon() config.Horizon {
	h := config.Horizon{Name: "h24"}
	h.Space = optimizer.SearchSpace{
		ContextLengths: []int{128},
		SampleCounts:   []int{10},
		Diversities:    []float64{1.0},
	}
	return h
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ConfigDir:         t.TempDir(),
		LockDir:           t.TempDir(),
		History:           "memory",
		Source:            "static",
		BacktestURL:       "http://model:9000/backtest",
		OptimizeBudget:    time.Minute,
		CostPerPoint:      time.Millisecond,
		MonitorWindow:     300 * time.Millisecond,
		MonitorExecutions: 3,
		MonitorFailures:   2,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, source observe.Source, store history.Store, runner backtest.Runner) (*Pipeline, *deploy.Manager) {
	t.Helper()
	deployer, err := deploy.NewManager(cfg.ConfigDir, store, testLogger)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	p := NewPipeline(cfg, testHorizon(), source, store, runner, deployer, nil, testMetrics, testLogger)
	return p, deployer
}

// seedActive installs a live configuration directly, without a history entry,
// so the trigger evaluation still sees a virgin horizon.
func seedActive(t *testing.T, dir string, mae, rmse float64) params.ActiveConfiguration {
	t.Helper()
	active := params.ActiveConfiguration{
		Horizon:       "h24",
		VersionID:     "v-seed",
		SchemaVersion: params.SchemaVersion,
		Params:        params.ParameterSet{ContextLength: 64, SampleCount: 5, Diversity: 0.5},
		PromotedAt:    time.Now().UTC(),
		Metrics: params.MetricsBundle{
			MAE: mae, RMSE: rmse, ErrStdDev: 2, LatencyMS: 100, Coverage: 0.95, Bias: 0.5, Window: 30,
		},
	}
	if err := params.WriteAtomic(dir, active); err != nil {
		t.Fatal(err)
	}
	return active
}

func healthyErrors(now time.Time) []observe.Observation {
	var obs []observe.Observation
	for i := 0; i < 30; i++ {
		obs = append(obs, observe.Observation{
			Ts:       now.Add(-time.Duration(i+1) * time.Hour),
			Forecast: 101,
			Actual:   100,
		})
	}
	return obs
}

func TestPipeline_DeployAndStabilize(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	// Degraded active configuration: the candidate clears every gate.
	seedActive(t, cfg.ConfigDir, 100, 120)

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Fired {
		t.Fatal("expected trigger to fire on an unattended horizon")
	}
	if res.Decision != history.DecisionDeployed {
		t.Fatalf("decision = %s, want deployed (failed: %v)", res.Decision, res.FailedCriteria)
	}
	if res.VersionID == "" {
		t.Error("expected a deployed version id")
	}
	if res.Outcome != history.OutcomeStable {
		t.Errorf("outcome = %s, want stable", res.Outcome)
	}

	active, found, err := params.Load(cfg.ConfigDir, "h24")
	if err != nil || !found {
		t.Fatalf("Load active: found=%v err=%v", found, err)
	}
	if active.VersionID != res.VersionID || active.Params.ContextLength != 128 {
		t.Errorf("active configuration = %+v", active)
	}

	entries, err := store.List(context.Background(), "h24", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want deploy record plus settled outcome", len(entries))
	}
	if entries[0].Outcome != history.OutcomePending || entries[1].Outcome != history.OutcomeStable {
		t.Errorf("outcomes = %s/%s", entries[0].Outcome, entries[1].Outcome)
	}
	if entries[0].AttemptID != entries[1].AttemptID {
		t.Error("settled outcome must carry the deploy attempt id")
	}
}

func TestPipeline_AlreadyLiveCandidateSkipsMonitoring(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	// The live parameters equal the only grid point, but the stale
	// promotion-time metrics lose to the fresh backtest: validation approves
	// a candidate that is already live.
	active := seedActive(t, cfg.ConfigDir, 100, 120)
	active.Params = params.ParameterSet{ContextLength: 128, SampleCount: 10, Diversity: 1.0}
	if err := params.WriteAtomic(cfg.ConfigDir, active); err != nil {
		t.Fatal(err)
	}
	liveBytes, err := os.ReadFile(params.Path(cfg.ConfigDir, "h24"))
	if err != nil {
		t.Fatal(err)
	}

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.AlreadyLive {
		t.Fatal("expected the run to end with the candidate already live")
	}
	if res.Decision != history.DecisionDeployed || res.VersionID != "v-seed" {
		t.Errorf("result = %+v, want the live version reported", res)
	}
	if res.Outcome != "" {
		t.Errorf("outcome = %s, want none without monitoring", res.Outcome)
	}

	entries, err := store.List(context.Background(), "h24", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("no-op deploy must not append history, got %d entries", len(entries))
	}

	after, err := os.ReadFile(params.Path(cfg.ConfigDir, "h24"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, liveBytes) {
		t.Error("live configuration changed during a no-op run")
	}
}

func TestPipeline_CandidateRejected(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	// The active configuration already matches the candidate's accuracy:
	// no improvement, rejection.
	seedActive(t, cfg.ConfigDir, 1, 1)

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Decision != history.DecisionRejected {
		t.Fatalf("decision = %s, want rejected", res.Decision)
	}
	if len(res.FailedCriteria) != 1 || res.FailedCriteria[0] != "error_improvement" {
		t.Errorf("failed criteria = %v", res.FailedCriteria)
	}

	// The live configuration is untouched.
	active, _, err := params.Load(cfg.ConfigDir, "h24")
	if err != nil {
		t.Fatal(err)
	}
	if active.VersionID != "v-seed" {
		t.Errorf("active version = %s, want v-seed", active.VersionID)
	}

	latest, found, err := store.Latest(context.Background(), "h24")
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if latest.Decision != history.DecisionRejected || latest.Outcome != history.OutcomeNone {
		t.Errorf("entry = %+v", latest)
	}
}

func TestPipeline_MonitoredFailuresRollBack(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now()

	// Invalid forecast executions landing right after the deploy.
	obs := healthyErrors(now)
	for i := 0; i < 3; i++ {
		obs = append(obs, observe.Observation{
			Ts:       now.Add(time.Duration(i+1) * time.Minute),
			Forecast: math.NaN(),
			Actual:   100,
		})
	}
	source := observe.NewStaticSource()
	source.SetErrors("h24", obs)
	store := history.NewMemoryStore()

	seedActive(t, cfg.ConfigDir, 100, 120)
	seedBytes, err := os.ReadFile(params.Path(cfg.ConfigDir, "h24"))
	if err != nil {
		t.Fatal(err)
	}

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Decision != history.DecisionDeployed {
		t.Fatalf("decision = %s, want deployed", res.Decision)
	}
	if res.Outcome != history.OutcomeRolledBack {
		t.Fatalf("outcome = %s, want rolled_back", res.Outcome)
	}

	restored, err := os.ReadFile(params.Path(cfg.ConfigDir, "h24"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, seedBytes) {
		t.Error("live configuration was not restored byte-identical from backup")
	}

	latest, _, err := store.Latest(context.Background(), "h24")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Outcome != history.OutcomeRolledBack {
		t.Errorf("settled outcome = %s, want rolled_back", latest.Outcome)
	}
}

func TestPipeline_NoTriggerNoAction(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	// Recent attempt inside the cool-down: nothing fires.
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a0", Horizon: "h24", Timestamp: time.Now().Add(-time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Fired {
		t.Errorf("expected no fire, got reasons %v", res.Reasons)
	}

	entries, err := store.List(context.Background(), "h24", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("non-firing evaluation must not append history, got %d entries", len(entries))
	}
}

func TestPipeline_LockedHorizonIsANoOp(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	store := history.NewMemoryStore()

	held, err := lock.Acquire(cfg.LockDir, "h24", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run on a locked horizon must not error, got %v", err)
	}
	if !res.Locked {
		t.Error("expected Locked result")
	}
	if res.Fired {
		t.Error("locked run must not evaluate triggers")
	}
}

func TestPipeline_DryRunStopsBeforeDeploy(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	seedActive(t, cfg.ConfigDir, 100, 120)

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	res, err := p.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.DryRun || res.Decision != history.DecisionDeployed {
		t.Errorf("result = %+v, want approved dry run", res)
	}
	if res.VersionID != "" {
		t.Error("dry run must not produce a version")
	}

	active, _, err := params.Load(cfg.ConfigDir, "h24")
	if err != nil {
		t.Fatal(err)
	}
	if active.VersionID != "v-seed" {
		t.Errorf("dry run modified the live configuration: %+v", active)
	}

	entries, err := store.List(context.Background(), "h24", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run must not append history, got %d entries", len(entries))
	}
}

func TestPipeline_NoCandidates(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource()
	source.SetErrors("h24", healthyErrors(time.Now()))
	store := history.NewMemoryStore()

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{err: errors.New("backtest endpoint down")})

	res, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Decision != history.DecisionNoCandidates {
		t.Fatalf("decision = %s, want no_candidates", res.Decision)
	}

	latest, found, err := store.Latest(context.Background(), "h24")
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if latest.Decision != history.DecisionNoCandidates {
		t.Errorf("entry = %+v", latest)
	}
}

func TestPipeline_EmptyWindowAborts(t *testing.T) {
	cfg := testConfig(t)
	source := observe.NewStaticSource() // no observations at all
	store := history.NewMemoryStore()

	p, _ := newTestPipeline(t, cfg, source, store, &scriptedRunner{trace: goodTrace()})

	_, err := p.Run(context.Background(), false)
	if err == nil {
		t.Fatal("expected error when the backtest window is empty")
	}

	latest, found, lerr := store.Latest(context.Background(), "h24")
	if lerr != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, lerr)
	}
	if latest.Decision != history.DecisionAborted {
		t.Errorf("decision = %s, want aborted", latest.Decision)
	}
}
