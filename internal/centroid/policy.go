package centroid

import (
	"fmt"

	"github.com/hurttlocker/dornt/internal/vector"
)

// Policy folds one new member vector into an existing centroid.
// members is the number of vectors the current centroid already covers.
type Policy interface {
	Name() string
	Update(current, next []float32, members int) ([]float32, error)
}

// Policy names accepted by ParsePolicy.
const (
	PolicyRunningAverage  = "running_average"
	PolicyIncrementalMean = "incremental_mean"
)

// RunningAverage sets the centroid to (current+next)/2. Each update halves
// the weight of everything seen before, so the centroid decays toward the
// newest member. Long-lived, high-volume clusters drift accordingly; the
// update is O(dim) and needs no member count.
type RunningAverage struct{}

func (RunningAverage) Name() string { return PolicyRunningAverage }

func (RunningAverage) Update(current, next []float32, _ int) ([]float32, error) {
	return vector.RunningAverage(current, next)
}

// IncrementalMean keeps the centroid equal to the true mean of all
// members, using the member count persisted alongside the index.
type IncrementalMean struct{}

func (IncrementalMean) Name() string { return PolicyIncrementalMean }

func (IncrementalMean) Update(current, next []float32, members int) ([]float32, error) {
	if members < 1 {
		members = 1
	}
	return vector.IncrementalMean(current, next, members)
}

// ParsePolicy maps a configured name to a Policy. The empty name selects
// RunningAverage.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", PolicyRunningAverage:
		return RunningAverage{}, nil
	case PolicyIncrementalMean:
		return IncrementalMean{}, nil
	default:
		return nil, fmt.Errorf("unknown centroid policy %q", name)
	}
}
