package vector

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero left", []float32{0, 0}, []float32{1, 1}, 0},
		{"zero right", []float32{1, 1}, []float32{0, 0}, 0},
		{"empty", []float32{}, []float32{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cosine(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestCosineSymmetric(t *testing.T) {
	a := []float32{0.3, -1.2, 4.5, 0}
	b := []float32{2.1, 0.7, -0.4, 9}
	ab, err := Cosine(a, b)
	require.NoError(t, err)
	ba, err := Cosine(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.LessOrEqual(t, math.Abs(ab), 1.0)
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestMean(t *testing.T) {
	m, err := Mean([][]float32{{1, 0}, {0, 1}, {2, 2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1}, m, 1e-6)

	_, err = Mean(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Mean([][]float32{{1, 2}, {1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRunningAverage(t *testing.T) {
	got, err := RunningAverage([]float32{2, 4}, []float32{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	_, err = RunningAverage([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRunningAverageDecaysTowardNewest(t *testing.T) {
	c := []float32{1, 0}
	var err error
	for i := 0; i < 10; i++ {
		c, err = RunningAverage(c, []float32{0, 1})
		require.NoError(t, err)
	}
	// The first member's weight halves on every update.
	assert.InDelta(t, 1.0/1024, c[0], 1e-6)
}

func TestIncrementalMeanMatchesMean(t *testing.T) {
	vs := [][]float32{{1, 0}, {0, 1}, {3, 3}, {-1, 2}}
	c := Clone(vs[0])
	var err error
	for i := 1; i < len(vs); i++ {
		c, err = IncrementalMean(c, vs[i], i)
		require.NoError(t, err)
	}
	want, err := Mean(vs)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, c, 1e-5)
}
