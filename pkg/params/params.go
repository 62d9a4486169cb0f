// Package params defines the hyperparameter configuration records that govern
// inference for a forecast horizon, and the on-disk format used to store them.
//
// Exactly one ActiveConfiguration exists per horizon. It is stored as a YAML
// document so that promotions produce clean, line-oriented diffs in audit
// tooling. All writes go through WriteAtomic (write-to-temp + rename); the live
// file is never overwritten in place, so readers only ever observe a fully
// written configuration.
package params

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is written into every configuration record. Bump it when the
// record layout changes incompatibly.
const SchemaVersion = 1

// ParameterSet holds the tunable hyperparameters for one horizon's model.
type ParameterSet struct {
	// ContextLength is the number of trailing observations the model conditions on.
	ContextLength int `yaml:"contextLength" json:"contextLength"`

	// SampleCount is the number of sample paths drawn per forecast.
	SampleCount int `yaml:"sampleCount" json:"sampleCount"`

	// Diversity controls sampling spread (temperature-like knob, typically 0.5-2.0).
	Diversity float64 `yaml:"diversity" json:"diversity"`
}

// Validate checks that the parameter set is usable for inference.
func (p ParameterSet) Validate() error {
	if p.ContextLength <= 0 {
		return errors.New("contextLength must be > 0")
	}
	if p.SampleCount <= 0 {
		return errors.New("sampleCount must be > 0")
	}
	if p.Diversity <= 0 {
		return fmt.Errorf("diversity must be > 0, got %v", p.Diversity)
	}
	return nil
}

// Equal reports whether two parameter sets are identical.
func (p ParameterSet) Equal(o ParameterSet) bool {
	return p.ContextLength == o.ContextLength &&
		p.SampleCount == o.SampleCount &&
		p.Diversity == o.Diversity
}

// MetricsBundle summarizes a configuration's backtest performance. It travels
// with every candidate and is frozen into the active configuration at
// promotion time so the validator can compare against it later.
type MetricsBundle struct {
	// MAE is the mean absolute error over the backtest window (primary metric).
	MAE float64 `yaml:"mae" json:"mae"`

	// RMSE is the root mean squared error (secondary metric).
	RMSE float64 `yaml:"rmse" json:"rmse"`

	// ErrStdDev is the standard deviation of the signed errors (dispersion).
	ErrStdDev float64 `yaml:"errStdDev" json:"errStdDev"`

	// LatencyMS is the backtest inference latency in milliseconds.
	LatencyMS float64 `yaml:"latencyMs" json:"latencyMs"`

	// Coverage is the fraction of realized values that fell inside the declared
	// high-confidence interval (0-1).
	Coverage float64 `yaml:"coverage" json:"coverage"`

	// Bias is the mean signed error (forecast - actual) in metric units.
	Bias float64 `yaml:"bias" json:"bias"`

	// Window is the number of backtest observations the bundle was computed over.
	Window int `yaml:"window" json:"window"`
}

// Candidate is a proposed configuration produced by the optimizer. Candidates
// are immutable: they are either promoted via the deployment manager or
// discarded.
type Candidate struct {
	Params  ParameterSet  `json:"params"`
	Metrics MetricsBundle `json:"metrics"`
}

// ActiveConfiguration is the configuration record a horizon's forecast jobs
// read. It is owned exclusively by the deployment manager; everything else
// treats it as read-only.
type ActiveConfiguration struct {
	Horizon       string        `yaml:"horizon" json:"horizon"`
	VersionID     string        `yaml:"versionId" json:"versionId"`
	SchemaVersion int           `yaml:"schemaVersion" json:"schemaVersion"`
	Params        ParameterSet  `yaml:"params" json:"params"`
	PromotedAt    time.Time     `yaml:"promotedAt" json:"promotedAt"`
	Metrics       MetricsBundle `yaml:"metrics" json:"metrics"`
}

// Validate checks structural invariants of the record.
func (c ActiveConfiguration) Validate() error {
	if c.Horizon == "" {
		return errors.New("horizon cannot be empty")
	}
	if c.VersionID == "" {
		return errors.New("versionId cannot be empty")
	}
	if c.SchemaVersion <= 0 {
		return fmt.Errorf("schemaVersion must be > 0, got %d", c.SchemaVersion)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}
