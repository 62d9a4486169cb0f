package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/HatiCode/recal/pkg/drift"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/observe"
)

func TestSnapshot_WindowSplit(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	obs := []observe.Observation{
		// Short window (last 24h): errors 10 and 20.
		{Ts: now.Add(-1 * time.Hour), Forecast: 110, Actual: 100},
		{Ts: now.Add(-2 * time.Hour), Forecast: 80, Actual: 100},
		// Baseline only: errors 2 and 4.
		{Ts: now.Add(-48 * time.Hour), Forecast: 102, Actual: 100},
		{Ts: now.Add(-72 * time.Hour), Forecast: 96, Actual: 100},
		// Outside the baseline window entirely.
		{Ts: now.Add(-200 * time.Hour), Forecast: 500, Actual: 100},
	}

	snap := Snapshot(obs, 24*time.Hour, 168*time.Hour, now)

	if snap.ShortN != 2 {
		t.Errorf("ShortN = %d, want 2", snap.ShortN)
	}
	if snap.ShortErr != 15 {
		t.Errorf("ShortErr = %v, want 15", snap.ShortErr)
	}
	// Baseline includes the short-window observations: (10+20+2+4)/4 = 9.
	if snap.BaselineN != 4 {
		t.Errorf("BaselineN = %d, want 4", snap.BaselineN)
	}
	if snap.BaselineErr != 9 {
		t.Errorf("BaselineErr = %v, want 9", snap.BaselineErr)
	}
}

func TestSnapshot_ZeroTimestampCountsInBoth(t *testing.T) {
	now := time.Now()
	snap := Snapshot([]observe.Observation{{Forecast: 105, Actual: 100}}, time.Hour, 2*time.Hour, now)
	if snap.ShortN != 1 || snap.BaselineN != 1 {
		t.Errorf("counts = %d/%d, want 1/1", snap.ShortN, snap.BaselineN)
	}
}

func TestDegradation(t *testing.T) {
	tests := []struct {
		name string
		snap PerformanceSnapshot
		want float64
	}{
		{"short worse than baseline", PerformanceSnapshot{ShortErr: 115, BaselineErr: 100}, 0.15},
		{"short better than baseline", PerformanceSnapshot{ShortErr: 80, BaselineErr: 100}, -0.2},
		{"zero baseline", PerformanceSnapshot{ShortErr: 50, BaselineErr: 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Degradation(); got != tt.want {
				t.Errorf("Degradation() = %v, want %v", got, tt.want)
			}
		})
	}
}

// setErrors fills a static source with observations whose mean absolute error
// is baselineErr in the older part of the window and shortErr in the last day.
// Timestamps are relative to now so both the source's real-clock filter and
// the manager's pinned clock agree on window membership.
func setErrors(src *observe.StaticSource, horizon string, now time.Time, shortErr, baselineErr float64) {
	var obs []observe.Observation
	for i := 0; i < 10; i++ {
		obs = append(obs, observe.Observation{
			Ts:       now.Add(-time.Duration(i+1) * time.Hour),
			Forecast: 100 + shortErr,
			Actual:   100,
		})
	}
	for i := 0; i < 30; i++ {
		obs = append(obs, observe.Observation{
			Ts:       now.Add(-30*time.Hour - time.Duration(i)*time.Hour),
			Forecast: 100 + baselineErr,
			Actual:   100,
		})
	}
	src.SetErrors(horizon, obs)
}

func testPolicy() Policy {
	return Policy{CoolDown: time.Hour, MaxAge: 14 * 24 * time.Hour}
}

func TestShouldRecalibrate_HealthyNoFire(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 10, 10)

	store := history.NewMemoryStore()
	// A recent attempt outside the cool-down keeps time_based quiet.
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-2 * time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src, store, testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if dec.Fire {
		t.Errorf("expected no fire, got reasons %v", dec.Reasons)
	}
}

func TestShouldRecalibrate_DegradationFires(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	// Short error 20 over baseline mean (10*20 + 30*10)/40 = 12.5: +60%.
	setErrors(src, "h24", now, 20, 10)

	store := history.NewMemoryStore()
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-2 * time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src, store, testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if !dec.Fire {
		t.Fatal("expected degradation to fire")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonDegradation {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonDegradation)
	}
	if dec.Snapshot.Degradation() <= 0.15 {
		t.Errorf("degradation = %v, want > 0.15", dec.Snapshot.Degradation())
	}
}

func TestShouldRecalibrate_CoolDownSuppresses(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 20, 10)

	store := history.NewMemoryStore()
	// Attempt 30 minutes ago, cool-down one hour.
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-30 * time.Minute),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src, store, testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if dec.Fire {
		t.Errorf("expected cool-down to suppress, got reasons %v", dec.Reasons)
	}
	if !dec.CoolingDown {
		t.Error("expected CoolingDown to be set")
	}
}

func TestShouldRecalibrate_TimeBasedOnEmptyHistory(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 10, 10)

	mgr := NewManager(src, history.NewMemoryStore(), testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if !dec.Fire {
		t.Fatal("expected time_based to fire with no history")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonTimeBased {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonTimeBased)
	}
}

func TestShouldRecalibrate_TimeBasedExemptFromCoolDown(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 10, 10)

	store := history.NewMemoryStore()
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-15 * 24 * time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	// Cool-down longer than MaxAge: conditions 1-2 are suppressed forever,
	// the periodic fallback still fires.
	policy := Policy{CoolDown: 30 * 24 * time.Hour, MaxAge: 14 * 24 * time.Hour}
	mgr := NewManager(src, store, policy, nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if !dec.Fire {
		t.Fatal("expected time_based to fire past MaxAge")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonTimeBased {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonTimeBased)
	}
	if !dec.CoolingDown {
		t.Error("expected CoolingDown to be set")
	}
}

func TestShouldRecalibrate_DriftFires(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 10, 10)

	// Reference features around 0-29 two days ago, recent features shifted
	// by +100 in the last hour.
	var samples []observe.FeatureSample
	for i := 0; i < 30; i++ {
		samples = append(samples, observe.FeatureSample{
			Ts:    now.Add(-48*time.Hour - time.Duration(i)*time.Minute),
			Value: float64(i),
		})
	}
	for i := 0; i < 30; i++ {
		samples = append(samples, observe.FeatureSample{
			Ts:    now.Add(-time.Duration(i+1) * time.Minute),
			Value: float64(100 + i),
		})
	}
	src.SetFeatures("h24", samples)

	store := history.NewMemoryStore()
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-2 * time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src, store, testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if !dec.Fire {
		t.Fatal("expected drift to fire")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonDrift {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonDrift)
	}
	if dec.Drift.Severity < drift.SeverityMedium {
		t.Errorf("drift severity = %v, want >= medium", dec.Drift.Severity)
	}
}

func TestShouldRecalibrate_MildDriftDoesNotFire(t *testing.T) {
	now := time.Now()
	src := observe.NewStaticSource()
	setErrors(src, "h24", now, 10, 10)

	// Recent and reference drawn from the same range: no shift.
	var samples []observe.FeatureSample
	for i := 0; i < 30; i++ {
		samples = append(samples, observe.FeatureSample{
			Ts:    now.Add(-48*time.Hour - time.Duration(i)*time.Minute),
			Value: float64(i),
		})
		samples = append(samples, observe.FeatureSample{
			Ts:    now.Add(-time.Duration(i+1) * time.Minute),
			Value: float64(i),
		})
	}
	src.SetFeatures("h24", samples)

	store := history.NewMemoryStore()
	if err := store.Append(context.Background(), history.Entry{
		AttemptID: "a1", Horizon: "h24", Timestamp: now.Add(-2 * time.Hour),
		Decision: history.DecisionRejected, Outcome: history.OutcomeNone,
	}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(src, store, testPolicy(), nil)
	mgr.SetNowFunc(func() time.Time { return now })

	dec, err := mgr.ShouldRecalibrate(context.Background(), "h24")
	if err != nil {
		t.Fatalf("ShouldRecalibrate failed: %v", err)
	}
	if dec.Fire {
		t.Errorf("expected no fire, got reasons %v", dec.Reasons)
	}
}
