package observe

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves fixed observation and feature slices. It backs tests,
// dry runs, and the pipeline's monitoring loop when results are pushed in by
// an external process rather than pulled.
// It is safe for concurrent use.
type StaticSource struct {
	mu       sync.RWMutex
	errs     map[string][]Observation
	features map[string][]FeatureSample
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		errs:     make(map[string][]Observation),
		features: make(map[string][]FeatureSample),
	}
}

func (s *StaticSource) Name() string { return "static" }

// SetErrors replaces the error observations for a horizon.
func (s *StaticSource) SetErrors(horizon string, obs []Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[horizon] = obs
}

// SetFeatures replaces the feature samples for a horizon.
func (s *StaticSource) SetFeatures(horizon string, samples []FeatureSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[horizon] = samples
}

// AppendError adds one observation for a horizon.
func (s *StaticSource) AppendError(horizon string, o Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[horizon] = append(s.errs[horizon], o)
}

// Errors implements Source. The window filters by timestamp when observations
// carry one; zero-timestamp fixtures are always returned.
func (s *StaticSource) Errors(ctx context.Context, horizon string, window time.Duration) ([]Observation, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	out := make([]Observation, 0, len(s.errs[horizon]))
	for _, o := range s.errs[horizon] {
		if o.Ts.IsZero() || o.Ts.After(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Features implements Source.
func (s *StaticSource) Features(ctx context.Context, horizon string, window time.Duration) ([]FeatureSample, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	out := make([]FeatureSample, 0, len(s.features[horizon]))
	for _, f := range s.features[horizon] {
		if f.Ts.IsZero() || f.Ts.After(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}
