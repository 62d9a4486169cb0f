package backtest

import (
	"errors"
	"math"

	"github.com/HatiCode/recal/pkg/params"
)

// Score reduces a backtest trace to the metrics bundle used for ranking and
// validation: MAE, RMSE, error dispersion, signed bias, high-confidence
// interval coverage, and latency.
func Score(trace Trace) (params.MetricsBundle, error) {
	n := len(trace.Points)
	if n == 0 {
		return params.MetricsBundle{}, errors.New("cannot score an empty trace")
	}

	var absSum, sqSum, signedSum float64
	var covered int
	hasInterval := false

	for _, p := range trace.Points {
		err := p.Forecast - p.Actual
		absSum += math.Abs(err)
		sqSum += err * err
		signedSum += err

		if p.Lo != 0 || p.Hi != 0 {
			hasInterval = true
			if p.Actual >= p.Lo && p.Actual <= p.Hi {
				covered++
			}
		}
	}

	mean := signedSum / float64(n)

	variance := 0.0
	for _, p := range trace.Points {
		d := (p.Forecast - p.Actual) - mean
		variance += d * d
	}
	stddev := 0.0
	if n > 1 {
		stddev = math.Sqrt(variance / float64(n-1))
	}

	coverage := 0.0
	if hasInterval {
		coverage = float64(covered) / float64(n)
	}

	return params.MetricsBundle{
		MAE:       absSum / float64(n),
		RMSE:      math.Sqrt(sqSum / float64(n)),
		ErrStdDev: stddev,
		LatencyMS: trace.LatencyMS,
		Coverage:  coverage,
		Bias:      mean,
		Window:    n,
	}, nil
}
