// Package drift detects distribution shift in raw input features.
//
// It compares a recent feature sample against a reference sample with two
// complementary measures: a two-sample Kolmogorov-Smirnov test (sensitive to
// any distributional difference) and the Population Stability Index over
// deciles of the reference distribution (a magnitude-of-shift score with
// conventional 0.1/0.25 cutoffs). The two are combined into a severity grade
// the trigger manager can threshold on.
//
// Degenerate inputs (underfilled samples, zero-variance reference) grade as
// SeverityNone rather than erroring: a drift check that cannot run must never
// kill an evaluation.
package drift

import (
	"math"
	"sort"
)

// Severity grades how strong the detected shift is.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// String returns the lower-case name used in reports and history entries.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

// ParseSeverity maps a lower-case severity name back to its value. Unknown
// or empty names map to SeverityNone.
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	default:
		return SeverityNone
	}
}

// Config holds the tunable drift thresholds. Thresholds are per-horizon
// configuration, not fixed constants.
type Config struct {
	// Significance is the KS p-value below which the shift is statistically
	// significant. Defaults to 0.05 if <= 0.
	Significance float64

	// MediumPSI and HighPSI are the PSI cutoffs for medium and high severity.
	// Default to the conventional 0.10 and 0.25.
	MediumPSI float64
	HighPSI   float64

	// MinSamples is the minimum size of each sample for the test to run.
	// Defaults to 20.
	MinSamples int

	// Buckets is the number of reference quantile buckets for PSI. Defaults to 10.
	Buckets int
}

func (c Config) withDefaults() Config {
	if c.Significance <= 0 {
		c.Significance = 0.05
	}
	if c.MediumPSI <= 0 {
		c.MediumPSI = 0.10
	}
	if c.HighPSI <= 0 {
		c.HighPSI = 0.25
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	return c
}

// Report is the result of one drift comparison.
type Report struct {
	// Statistic is the KS D statistic (max CDF distance, 0-1).
	Statistic float64 `json:"statistic"`

	// PValue is the asymptotic two-sample KS p-value.
	PValue float64 `json:"pValue"`

	// PSI is the population stability index over reference deciles.
	PSI float64 `json:"psi"`

	Severity Severity `json:"severity"`

	// Skipped is true when the samples were too small for a meaningful test.
	Skipped bool `json:"skipped,omitempty"`
}

// Detect compares a recent sample against a reference sample and grades the
// shift. Inputs are not modified.
func Detect(recent, reference []float64, cfg Config) Report {
	cfg = cfg.withDefaults()

	if len(recent) < cfg.MinSamples || len(reference) < cfg.MinSamples {
		return Report{PValue: 1, Severity: SeverityNone, Skipped: true}
	}

	d, p := ksTwoSample(recent, reference)
	psi := populationStabilityIndex(recent, reference, cfg.Buckets)

	rep := Report{Statistic: d, PValue: p, PSI: psi}

	switch {
	case psi >= cfg.HighPSI:
		rep.Severity = SeverityHigh
	case psi >= cfg.MediumPSI:
		rep.Severity = SeverityMedium
	case p < cfg.Significance:
		rep.Severity = SeverityLow
	default:
		rep.Severity = SeverityNone
	}

	return rep
}

// ksTwoSample computes the two-sample Kolmogorov-Smirnov D statistic and its
// asymptotic p-value.
func ksTwoSample(a, b []float64) (d, p float64) {
	as := append([]float64(nil), a...)
	bs := append([]float64(nil), b...)
	sort.Float64s(as)
	sort.Float64s(bs)

	na, nb := len(as), len(bs)
	var i, j int
	for i < na && j < nb {
		va, vb := as[i], bs[j]
		if va <= vb {
			i++
		}
		if vb <= va {
			j++
		}
		diff := math.Abs(float64(i)/float64(na) - float64(j)/float64(nb))
		if diff > d {
			d = diff
		}
	}

	// Asymptotic p-value per the standard Kolmogorov distribution approximation.
	en := math.Sqrt(float64(na) * float64(nb) / float64(na+nb))
	lambda := (en + 0.12 + 0.11/en) * d

	return d, kolmogorovQ(lambda)
}

// kolmogorovQ evaluates Q_KS(lambda) = 2 * sum_{k>=1} (-1)^(k-1) exp(-2 k^2 lambda^2).
// If the alternating series fails to converge (tiny lambda), the probability is 1.
func kolmogorovQ(lambda float64) float64 {
	const (
		eps1 = 0.001
		eps2 = 1e-8
	)

	a2 := -2 * lambda * lambda
	sum, termPrev := 0.0, 0.0
	sign := 1.0

	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(a2*float64(k)*float64(k))
		sum += term
		abs := math.Abs(term)
		if abs <= eps1*termPrev || abs <= eps2*sum {
			p := 2 * sum
			if p < 0 {
				return 0
			}
			if p > 1 {
				return 1
			}
			return p
		}
		sign = -sign
		termPrev = abs
	}
	return 1
}

// populationStabilityIndex buckets both samples by reference quantiles and
// sums (actual% - expected%) * ln(actual%/expected%). Empty buckets are
// floored to a small epsilon so the index stays finite.
func populationStabilityIndex(recent, reference []float64, buckets int) float64 {
	const epsilon = 1e-4

	ref := append([]float64(nil), reference...)
	sort.Float64s(ref)

	// Bucket edges at reference quantiles. A zero-variance reference collapses
	// every edge to the same value; treat that as no measurable shift.
	edges := make([]float64, 0, buckets-1)
	for i := 1; i < buckets; i++ {
		idx := i * len(ref) / buckets
		if idx >= len(ref) {
			idx = len(ref) - 1
		}
		edges = append(edges, ref[idx])
	}
	if len(edges) > 0 && edges[0] == edges[len(edges)-1] {
		return 0
	}

	// Bucket i covers values up to edges[i]; values above every edge land in
	// the last bucket.
	bucketOf := func(v float64) int {
		return sort.Search(len(edges), func(i int) bool { return edges[i] >= v })
	}

	expected := make([]float64, buckets)
	actual := make([]float64, buckets)
	for _, v := range reference {
		expected[bucketOf(v)]++
	}
	for _, v := range recent {
		actual[bucketOf(v)]++
	}

	psi := 0.0
	for i := 0; i < buckets; i++ {
		e := expected[i] / float64(len(reference))
		a := actual[i] / float64(len(recent))
		if e < epsilon {
			e = epsilon
		}
		if a < epsilon {
			a = epsilon
		}
		psi += (a - e) * math.Log(a/e)
	}
	return psi
}
