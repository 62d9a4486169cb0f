// Package observe provides read-only connectors to the forecasting jobs'
// observation APIs. Sources pull two kinds of data per horizon: recent
// forecast-vs-realized error observations (feeding performance snapshots and
// backtest windows) and recent raw feature samples (feeding drift detection).
//
// Available sources:
//   - HTTPSource: generic connector for any REST API with JSON responses
//   - StaticSource: fixture-backed source for tests and dry runs
//
// Sources are intentionally lightweight: they fetch raw data, shape it into
// typed slices, and leave every decision to the upper layers.
package observe

import (
	"context"
	"time"
)

// Observation pairs a forecast with its realized value at one timestamp.
type Observation struct {
	Ts       time.Time `json:"ts"`
	Forecast float64   `json:"forecast"`
	Actual   float64   `json:"actual"`
}

// AbsError returns |forecast - actual| for the observation.
func (o Observation) AbsError() float64 {
	d := o.Forecast - o.Actual
	if d < 0 {
		return -d
	}
	return d
}

// FeatureSample is one raw input-feature reading.
type FeatureSample struct {
	Ts    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Source is the interface all observation connectors implement.
//
// Both calls are synchronous, respect context cancellation and deadlines, and
// return observations in ascending timestamp order.
type Source interface {
	// Errors fetches forecast-vs-realized observations for the trailing window.
	Errors(ctx context.Context, horizon string, window time.Duration) ([]Observation, error)

	// Features fetches raw feature samples for the trailing window.
	Features(ctx context.Context, horizon string, window time.Duration) ([]FeatureSample, error)

	// Name returns a short, unique identifier for the source.
	Name() string
}
