// Package validator applies the promotion gate to optimizer candidates.
//
// The gate is a fixed conjunction of five criteria comparing the candidate's
// backtest bundle against the active configuration's last recorded bundle.
// Every criterion must pass; there is no scoring or weighting. Validation is
// a pure function of its inputs, so an approval can be reproduced exactly
// from the history record.
package validator

import (
	"context"
	"fmt"
	"math"

	"github.com/HatiCode/recal/pkg/backtest"
	"github.com/HatiCode/recal/pkg/observe"
	"github.com/HatiCode/recal/pkg/params"
)

// Criterion identifiers used in reports and history entries.
const (
	CriterionErrorImprovement = "error_improvement"
	CriterionDispersion       = "dispersion"
	CriterionLatency          = "latency"
	CriterionCoverage         = "coverage"
	CriterionBias             = "bias"
)

// Gates holds the tunable gate thresholds for one horizon.
type Gates struct {
	// PrimaryImprovement is the minimum relative MAE improvement (0.05 = 5%).
	// Criterion 1 passes if EITHER the primary or the secondary improvement
	// threshold is met. Defaults to 0.05.
	PrimaryImprovement float64

	// SecondaryImprovement is the minimum relative RMSE improvement.
	// Defaults to 0.03.
	SecondaryImprovement float64

	// MaxDispersionIncrease is the largest tolerated relative increase of the
	// error standard deviation. Defaults to 0.10.
	MaxDispersionIncrease float64

	// MaxLatencyIncrease is the largest tolerated relative latency increase.
	// Defaults to 0.50.
	MaxLatencyIncrease float64

	// MinCoverage is the minimum high-confidence interval coverage over the
	// backtest window. Defaults to 0.90.
	MinCoverage float64

	// MaxAbsBias is the horizon-specific ceiling on absolute signed bias, in
	// metric units. Defaults to 5.0.
	MaxAbsBias float64
}

func (g Gates) withDefaults() Gates {
	if g.PrimaryImprovement <= 0 {
		g.PrimaryImprovement = 0.05
	}
	if g.SecondaryImprovement <= 0 {
		g.SecondaryImprovement = 0.03
	}
	if g.MaxDispersionIncrease <= 0 {
		g.MaxDispersionIncrease = 0.10
	}
	if g.MaxLatencyIncrease <= 0 {
		g.MaxLatencyIncrease = 0.50
	}
	if g.MinCoverage <= 0 {
		g.MinCoverage = 0.90
	}
	if g.MaxAbsBias <= 0 {
		g.MaxAbsBias = 5.0
	}
	return g
}

// CriterionResult records one criterion's evaluation.
type CriterionResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
	Detail string  `json:"detail,omitempty"`
}

// Report is the full validation verdict.
type Report struct {
	Approved bool              `json:"approved"`
	Criteria []CriterionResult `json:"criteria"`

	// Shadow optionally carries a side-by-side comparison of the active and
	// candidate configurations over identical data, for audit.
	Shadow *ShadowComparison `json:"shadow,omitempty"`
}

// FailedCriteria returns the names of criteria that did not pass.
func (r Report) FailedCriteria() []string {
	var failed []string
	for _, c := range r.Criteria {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// Validate applies the five-criteria conjunctive gate.
func Validate(candidate, active params.MetricsBundle, g Gates) Report {
	g = g.withDefaults()

	primaryGain := relImprovement(active.MAE, candidate.MAE)
	secondaryGain := relImprovement(active.RMSE, candidate.RMSE)
	dispersionDelta := relIncrease(active.ErrStdDev, candidate.ErrStdDev)
	latencyDelta := relIncrease(active.LatencyMS, candidate.LatencyMS)

	criteria := []CriterionResult{
		{
			Name:   CriterionErrorImprovement,
			Passed: primaryGain >= g.PrimaryImprovement || secondaryGain >= g.SecondaryImprovement,
			Value:  primaryGain,
			Limit:  g.PrimaryImprovement,
			Detail: fmt.Sprintf("primary %.4f (need %.4f) or secondary %.4f (need %.4f)",
				primaryGain, g.PrimaryImprovement, secondaryGain, g.SecondaryImprovement),
		},
		{
			Name:   CriterionDispersion,
			Passed: dispersionDelta <= g.MaxDispersionIncrease,
			Value:  dispersionDelta,
			Limit:  g.MaxDispersionIncrease,
		},
		{
			Name:   CriterionLatency,
			Passed: latencyDelta <= g.MaxLatencyIncrease,
			Value:  latencyDelta,
			Limit:  g.MaxLatencyIncrease,
		},
		{
			Name:   CriterionCoverage,
			Passed: candidate.Coverage >= g.MinCoverage,
			Value:  candidate.Coverage,
			Limit:  g.MinCoverage,
		},
		{
			Name:   CriterionBias,
			Passed: math.Abs(candidate.Bias) < g.MaxAbsBias,
			Value:  math.Abs(candidate.Bias),
			Limit:  g.MaxAbsBias,
		},
	}

	approved := true
	for _, c := range criteria {
		if !c.Passed {
			approved = false
		}
	}

	return Report{Approved: approved, Criteria: criteria}
}

// relImprovement returns how much smaller next is than prev, relative to prev.
// A zero prev yields 0: nothing can improve on a perfect score.
func relImprovement(prev, next float64) float64 {
	if prev == 0 {
		return 0
	}
	return (prev - next) / prev
}

// relIncrease returns how much larger next is than prev, relative to prev.
// A zero prev with a nonzero next counts as unbounded increase.
func relIncrease(prev, next float64) float64 {
	if prev == 0 {
		if next == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return (next - prev) / prev
}

// ShadowComparison is a side-by-side replay of the active and candidate
// configurations on identical data. It is attached to the report for audit
// only; it never changes the verdict.
type ShadowComparison struct {
	Active    params.MetricsBundle `json:"active"`
	Candidate params.MetricsBundle `json:"candidate"`
}

// Shadow runs both configurations through the backtest entry point over the
// same window and scores each side.
func Shadow(ctx context.Context, runner backtest.Runner, horizon string,
	active, candidate params.ParameterSet, window []observe.Observation) (*ShadowComparison, error) {

	activeTrace, err := runner.Run(ctx, horizon, active, window)
	if err != nil {
		return nil, fmt.Errorf("shadow run of active configuration: %w", err)
	}
	activeBundle, err := backtest.Score(activeTrace)
	if err != nil {
		return nil, fmt.Errorf("score active shadow trace: %w", err)
	}

	candTrace, err := runner.Run(ctx, horizon, candidate, window)
	if err != nil {
		return nil, fmt.Errorf("shadow run of candidate configuration: %w", err)
	}
	candBundle, err := backtest.Score(candTrace)
	if err != nil {
		return nil, fmt.Errorf("score candidate shadow trace: %w", err)
	}

	return &ShadowComparison{Active: activeBundle, Candidate: candBundle}, nil
}
