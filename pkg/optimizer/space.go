package optimizer

import (
	"errors"

	"github.com/HatiCode/recal/pkg/params"
)

// SearchSpace is the bounded hyperparameter grid for one horizon. Spaces are
// explicit per-horizon configuration passed at call time.
type SearchSpace struct {
	ContextLengths []int     `yaml:"contextLengths" json:"contextLengths"`
	SampleCounts   []int     `yaml:"sampleCounts" json:"sampleCounts"`
	Diversities    []float64 `yaml:"diversities" json:"diversities"`
}

// Validate checks that every dimension has at least one value.
func (s SearchSpace) Validate() error {
	if len(s.ContextLengths) == 0 {
		return errors.New("search space: contextLengths cannot be empty")
	}
	if len(s.SampleCounts) == 0 {
		return errors.New("search space: sampleCounts cannot be empty")
	}
	if len(s.Diversities) == 0 {
		return errors.New("search space: diversities cannot be empty")
	}
	return nil
}

// Size returns the number of grid points.
func (s SearchSpace) Size() int {
	return len(s.ContextLengths) * len(s.SampleCounts) * len(s.Diversities)
}

// Points expands the grid as a deterministic cross product: context length
// varies slowest, diversity fastest. The same space always yields the same
// order, which keeps runs reproducible and subsampling stable.
func (s SearchSpace) Points() []params.ParameterSet {
	points := make([]params.ParameterSet, 0, s.Size())
	for _, cl := range s.ContextLengths {
		for _, sc := range s.SampleCounts {
			for _, d := range s.Diversities {
				points = append(points, params.ParameterSet{
					ContextLength: cl,
					SampleCount:   sc,
					Diversity:     d,
				})
			}
		}
	}
	return points
}
