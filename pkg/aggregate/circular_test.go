package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// angularDistance returns the smallest distance between two bearings.
func angularDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func TestCircularMean_Wraparound(t *testing.T) {
	speed, dir, ok := CircularMean([]VectorSample{Sample(0, 5), Sample(359, 5)})
	require.True(t, ok)
	assert.InDelta(t, 0.5, angularDistance(dir, 0), 1e-9, "got %v", dir)
	assert.InDelta(t, 5*math.Cos(0.5*math.Pi/180), speed, 1e-9)
}

func TestCircularMean_Symmetric(t *testing.T) {
	speed, dir, ok := CircularMean([]VectorSample{Sample(10, 4), Sample(350, 4)})
	require.True(t, ok)
	assert.Less(t, angularDistance(dir, 0), 1e-6, "got %v", dir)
	assert.InDelta(t, 4*math.Cos(10*math.Pi/180), speed, 1e-9)
}

func TestCircularMean_SingleSampleKeepsDirection(t *testing.T) {
	for _, d := range []float64{0, 45, 90, 135, 200, 270, 315} {
		speed, dir, ok := CircularMean([]VectorSample{Sample(d, 3)})
		require.True(t, ok)
		assert.InDelta(t, 3, speed, 1e-9)
		assert.Less(t, angularDistance(dir, d), 1e-9, "input %v got %v", d, dir)
	}
}

func TestCircularMean_CalmSampleCountsWeightOnly(t *testing.T) {
	speed, dir, ok := CircularMean([]VectorSample{Sample(90, 6), Sample(270, 0)})
	require.True(t, ok)
	// The calm sample halves the magnitude but does not pull the direction.
	assert.InDelta(t, 3, speed, 1e-9)
	assert.Less(t, angularDistance(dir, 90), 1e-9, "got %v", dir)
}

func TestCircularMean_Weights(t *testing.T) {
	speed, dir, ok := CircularMean([]VectorSample{
		WeightedSample(90, 4, 3),
		WeightedSample(270, 4, 1),
	})
	require.True(t, ok)
	assert.InDelta(t, 2, speed, 1e-9)
	assert.Less(t, angularDistance(dir, 90), 1e-9, "got %v", dir)
}

func TestCircularMean_Undefined(t *testing.T) {
	tests := []struct {
		name    string
		samples []VectorSample
	}{
		{"no samples", nil},
		{"all absent", []VectorSample{Sample(math.NaN(), 3), Sample(10, math.NaN())}},
		{"zero weight", []VectorSample{WeightedSample(10, 3, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speed, dir, ok := CircularMean(tt.samples)
			assert.False(t, ok)
			assert.True(t, math.IsNaN(speed))
			assert.True(t, math.IsNaN(dir))
		})
	}
}

func TestCircularMean_AbsentSamplesSkipped(t *testing.T) {
	speed, dir, ok := CircularMean([]VectorSample{Sample(math.NaN(), 9), Sample(180, 2)})
	require.True(t, ok)
	assert.InDelta(t, 2, speed, 1e-9)
	assert.Less(t, angularDistance(dir, 180), 1e-9, "got %v", dir)
}

// foldDirection keeps the historical rule: an exact 180 is not shifted,
// while -180 and every other bearing move by half a turn.
func TestFoldDirection(t *testing.T) {
	assert.Equal(t, 180.0, foldDirection(0))
	assert.Equal(t, 0.0, foldDirection(-180))
	assert.Equal(t, 270.0, foldDirection(90))
	assert.Equal(t, 90.0, foldDirection(-90))
	assert.Equal(t, 180.0, foldDirection(180))
}
