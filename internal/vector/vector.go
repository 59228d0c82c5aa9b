// Package vector holds the similarity kernel used by clustering: cosine
// similarity and the centroid arithmetic built on top of it.
package vector

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when two vectors have different lengths.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmpty is returned when a mean is requested over no vectors.
	ErrEmpty = errors.New("no vectors")
)

// Cosine returns dot(a,b) / (|a|*|b|). A zero-norm input yields 0.
// Vectors of different length are rejected rather than truncated.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine of %d and %d dims: %w", len(a), len(b), ErrDimensionMismatch)
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push parallel vectors a hair past 1.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Mean returns the elementwise arithmetic mean of vectors.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has %d dims, want %d: %w", i, len(v), dim, ErrDimensionMismatch)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	n := float64(len(vectors))
	out := make([]float32, dim)
	for j := range sum {
		out[j] = float32(sum[j] / n)
	}
	return out, nil
}

// RunningAverage returns (current+next)/2 elementwise.
func RunningAverage(current, next []float32) ([]float32, error) {
	if len(current) != len(next) {
		return nil, fmt.Errorf("running average of %d and %d dims: %w", len(current), len(next), ErrDimensionMismatch)
	}
	out := make([]float32, len(current))
	for i := range current {
		out[i] = (current[i] + next[i]) / 2
	}
	return out, nil
}

// IncrementalMean folds next into a mean that already covers n vectors.
func IncrementalMean(current, next []float32, n int) ([]float32, error) {
	if len(current) != len(next) {
		return nil, fmt.Errorf("incremental mean of %d and %d dims: %w", len(current), len(next), ErrDimensionMismatch)
	}
	if n < 0 {
		n = 0
	}
	k := float32(n + 1)
	out := make([]float32, len(current))
	for i := range current {
		out[i] = current[i] + (next[i]-current[i])/k
	}
	return out, nil
}

// Clone returns a copy of v.
func Clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
