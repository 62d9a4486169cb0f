// Package trigger decides whether a horizon warrants a recalibration run.
//
// Three conditions are evaluated in priority order so decisions stay
// deterministic and explainable:
//
//  1. performance_degradation: short-window error exceeds the baseline-window
//     error by a configured relative threshold
//  2. data_drift: input feature distribution has shifted significantly
//  3. time_based: too long since the last attempt (periodic fallback)
//
// A cool-down measured from the last recorded attempt suppresses conditions
// 1-2; condition 3 is exempt, so a stale horizon still fires once the maximum
// age has elapsed. Evaluations that do not fire are not persisted.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/recal/pkg/drift"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/observe"
)

// Trigger reason identifiers recorded in history entries and notifications.
const (
	ReasonDegradation = "performance_degradation"
	ReasonDrift       = "data_drift"
	ReasonTimeBased   = "time_based"
)

// Policy holds the tunable trigger thresholds for one horizon. Policies are
// explicit values passed at call time, never globals, so each horizon is
// independently testable.
type Policy struct {
	// DegradationThreshold is the relative short-over-baseline error increase
	// that fires condition 1 (0.15 = 15%). Defaults to 0.15 if <= 0.
	DegradationThreshold float64

	// ShortWindow and BaselineWindow size the performance snapshot.
	// Default to 24h and 168h.
	ShortWindow    time.Duration
	BaselineWindow time.Duration

	// MinShortN / MinBaselineN are the minimum observation counts for
	// condition 1 to be evaluated at all; an underfilled window skips the
	// condition rather than failing it. Default to 5 and 20.
	MinShortN    int
	MinBaselineN int

	// Drift configures the distribution tests for condition 2.
	Drift drift.Config

	// MinDriftSeverity is the lowest severity that fires condition 2.
	// Defaults to drift.SeverityMedium.
	MinDriftSeverity drift.Severity

	// MaxAge is the condition-3 ceiling on time since the last attempt.
	// Defaults to 14 days.
	MaxAge time.Duration

	// CoolDown suppresses conditions 1-2 after any attempt. Defaults to 14 days.
	CoolDown time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.DegradationThreshold <= 0 {
		p.DegradationThreshold = 0.15
	}
	if p.ShortWindow <= 0 {
		p.ShortWindow = 24 * time.Hour
	}
	if p.BaselineWindow <= 0 {
		p.BaselineWindow = 7 * 24 * time.Hour
	}
	if p.MinShortN <= 0 {
		p.MinShortN = 5
	}
	if p.MinBaselineN <= 0 {
		p.MinBaselineN = 20
	}
	if p.Drift.Significance <= 0 {
		p.Drift.Significance = 0.05
	}
	if p.MinDriftSeverity == drift.SeverityNone {
		p.MinDriftSeverity = drift.SeverityMedium
	}
	if p.MaxAge <= 0 {
		p.MaxAge = 14 * 24 * time.Hour
	}
	if p.CoolDown <= 0 {
		p.CoolDown = 14 * 24 * time.Hour
	}
	return p
}

// Decision is the result of one trigger evaluation.
type Decision struct {
	Fire bool `json:"fire"`

	// Reasons lists the conditions that held, in priority order.
	Reasons []string `json:"reasons,omitempty"`

	Snapshot PerformanceSnapshot `json:"snapshot"`
	Drift    drift.Report        `json:"drift"`

	// CoolingDown is true when conditions 1-2 were suppressed by cool-down.
	CoolingDown bool `json:"coolingDown,omitempty"`
}

// Manager evaluates trigger conditions against live observations and history.
type Manager struct {
	source  observe.Source
	store   history.Store
	policy  Policy
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewManager creates a trigger manager. A nil logger falls back to slog.Default.
func NewManager(source observe.Source, store history.Store, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:  source,
		store:   store,
		policy:  policy.withDefaults(),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. Exported for testing purposes.
func (m *Manager) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// ShouldRecalibrate evaluates all trigger conditions for a horizon.
// Fetching observations or history fails the evaluation with an error; a
// failed evaluation never fires.
func (m *Manager) ShouldRecalibrate(ctx context.Context, horizon string) (Decision, error) {
	now := m.nowFunc()

	obs, err := m.source.Errors(ctx, horizon, m.policy.BaselineWindow)
	if err != nil {
		return Decision{}, fmt.Errorf("fetch error observations: %w", err)
	}

	var dec Decision
	dec.Snapshot = Snapshot(obs, m.policy.ShortWindow, m.policy.BaselineWindow, now)

	last, hasLast, err := m.store.Latest(ctx, horizon)
	if err != nil {
		return Decision{}, fmt.Errorf("read history: %w", err)
	}

	elapsed := time.Duration(0)
	if hasLast {
		elapsed = now.Sub(last.Timestamp)
		dec.CoolingDown = elapsed < m.policy.CoolDown
	}

	// Condition 1: performance degradation. Skipped (not failed) on
	// underfilled windows.
	if !dec.CoolingDown &&
		dec.Snapshot.ShortN >= m.policy.MinShortN &&
		dec.Snapshot.BaselineN >= m.policy.MinBaselineN &&
		dec.Snapshot.Degradation() > m.policy.DegradationThreshold {
		dec.Reasons = append(dec.Reasons, ReasonDegradation)
	}

	// Condition 2: data drift. The recent sample is the short window's worth
	// of features, the reference is the remainder of the baseline window.
	if !dec.CoolingDown {
		rep, err := m.driftReport(ctx, horizon, now)
		if err != nil {
			// Drift data being unavailable degrades to "no drift signal";
			// the other conditions still apply.
			m.logger.Warn("drift check unavailable", "horizon", horizon, "error", err)
		} else {
			dec.Drift = rep
			if rep.PValue < m.policy.Drift.Significance && rep.Severity >= m.policy.MinDriftSeverity {
				dec.Reasons = append(dec.Reasons, ReasonDrift)
			}
		}
	}

	// Condition 3: time-based fallback, exempt from cool-down.
	if !hasLast || elapsed > m.policy.MaxAge {
		dec.Reasons = append(dec.Reasons, ReasonTimeBased)
	}

	dec.Fire = len(dec.Reasons) > 0

	m.logger.Debug("trigger evaluation",
		"horizon", horizon,
		"fire", dec.Fire,
		"reasons", dec.Reasons,
		"short_err", dec.Snapshot.ShortErr,
		"baseline_err", dec.Snapshot.BaselineErr,
		"cooling_down", dec.CoolingDown,
	)

	return dec, nil
}

// driftReport builds a DriftReport from recent vs reference feature samples.
func (m *Manager) driftReport(ctx context.Context, horizon string, now time.Time) (drift.Report, error) {
	samples, err := m.source.Features(ctx, horizon, m.policy.BaselineWindow)
	if err != nil {
		return drift.Report{}, fmt.Errorf("fetch feature samples: %w", err)
	}

	shortCutoff := now.Add(-m.policy.ShortWindow)

	var recent, reference []float64
	for _, s := range samples {
		if s.Ts.IsZero() || s.Ts.After(shortCutoff) {
			recent = append(recent, s.Value)
		} else {
			reference = append(reference, s.Value)
		}
	}

	return drift.Detect(recent, reference, m.policy.Drift), nil
}
