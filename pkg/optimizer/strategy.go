package optimizer

import (
	"time"

	"github.com/HatiCode/recal/pkg/params"
)

// Strategy names how the search space will be traversed. The strategy is
// chosen up front from estimated cost, never as an exception-driven fallback
// once the budget is already blown.
type Strategy string

const (
	// StrategyFullGrid evaluates every grid point exhaustively.
	StrategyFullGrid Strategy = "full_grid"

	// StrategyBoundedSubsample evaluates a deterministic stride subsample
	// sized to fit the budget.
	StrategyBoundedSubsample Strategy = "bounded_subsample"
)

// plan is the up-front traversal decision for one run.
type plan struct {
	strategy Strategy
	points   []params.ParameterSet
}

// choosePlan estimates the cost of a full grid and degrades to a bounded
// subsample when it would exceed the budget. The subsample takes every k-th
// point of the deterministic grid order, so repeated runs over the same space
// evaluate the same points.
func choosePlan(space SearchSpace, budget, costPerPoint time.Duration) plan {
	all := space.Points()

	maxPoints := len(all)
	if costPerPoint > 0 && budget > 0 {
		if fit := int(budget / costPerPoint); fit < maxPoints {
			maxPoints = fit
		}
	}
	if maxPoints < 1 {
		maxPoints = 1
	}

	if maxPoints >= len(all) {
		return plan{strategy: StrategyFullGrid, points: all}
	}

	stride := (len(all) + maxPoints - 1) / maxPoints
	subset := make([]params.ParameterSet, 0, maxPoints)
	for i := 0; i < len(all) && len(subset) < maxPoints; i += stride {
		subset = append(subset, all[i])
	}

	return plan{strategy: StrategyBoundedSubsample, points: subset}
}
