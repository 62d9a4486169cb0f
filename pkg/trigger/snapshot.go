package trigger

import (
	"time"

	"github.com/HatiCode/recal/pkg/observe"
)

// PerformanceSnapshot is a rolling aggregate of recent forecast error for one
// horizon: mean absolute error over a short window and over a longer baseline
// window. It is recomputed on every evaluation and never persisted.
type PerformanceSnapshot struct {
	ShortErr    float64 `json:"shortErr"`
	BaselineErr float64 `json:"baselineErr"`
	ShortN      int     `json:"shortN"`
	BaselineN   int     `json:"baselineN"`
}

// Degradation returns the relative increase of the short-window error over the
// baseline error ((short - baseline) / baseline). Returns 0 when the baseline
// error is zero.
func (s PerformanceSnapshot) Degradation() float64 {
	if s.BaselineErr == 0 {
		return 0
	}
	return (s.ShortErr - s.BaselineErr) / s.BaselineErr
}

// Snapshot computes a performance snapshot from error observations. The
// baseline window spans all observations newer than now-baseline; the short
// window spans observations newer than now-short. Observations without a
// timestamp count toward both windows.
func Snapshot(obs []observe.Observation, short, baseline time.Duration, now time.Time) PerformanceSnapshot {
	shortCutoff := now.Add(-short)
	baselineCutoff := now.Add(-baseline)

	var snap PerformanceSnapshot
	var shortSum, baselineSum float64

	for _, o := range obs {
		inShort := o.Ts.IsZero() || o.Ts.After(shortCutoff)
		inBaseline := o.Ts.IsZero() || o.Ts.After(baselineCutoff)

		if inBaseline {
			baselineSum += o.AbsError()
			snap.BaselineN++
		}
		if inShort {
			shortSum += o.AbsError()
			snap.ShortN++
		}
	}

	if snap.ShortN > 0 {
		snap.ShortErr = shortSum / float64(snap.ShortN)
	}
	if snap.BaselineN > 0 {
		snap.BaselineErr = baselineSum / float64(snap.BaselineN)
	}
	return snap
}
