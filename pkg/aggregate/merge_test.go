package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

func scalarRecord(minV, avg, maxV float64, count int64) *Record {
	return &Record{
		Identity: roomSensor,
		Min:      sensor.Scalar(minV),
		Avg:      sensor.Scalar(avg),
		Max:      sensor.Scalar(maxV),
		Units:    "celsius",
		Count:    count,
	}
}

func structuredRecord(id sensor.Identity, names []string, minV, avg, maxV []float64, count int64) *Record {
	return &Record{
		Identity: id,
		Min:      sensor.Structured(zip(names, minV)),
		Avg:      sensor.Structured(zip(names, avg)),
		Max:      sensor.Structured(zip(names, maxV)),
		Count:    count,
	}
}

func TestSeed(t *testing.T) {
	hires := scalarRecord(1, 2, 3, 0)
	acc := Seed(hires)
	assert.Equal(t, int64(1), acc.Count)
	assert.Equal(t, int64(0), hires.Count, "input must not be modified")
}

func TestMerge_Scalar(t *testing.T) {
	a := New()
	acc := scalarRecord(10, 15, 20, 2)

	out, err := a.Merge(acc, scalarRecord(5, 6, 7, 0))
	require.NoError(t, err)
	assert.Equal(t, 5.0, floatOf(t, out.Min))
	assert.Equal(t, 20.0, floatOf(t, out.Max))
	assert.Equal(t, 12.0, floatOf(t, out.Avg))
	assert.Equal(t, int64(3), out.Count)
	assert.Equal(t, 15.0, floatOf(t, acc.Avg), "accumulator must not be modified")
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := New()
	acc := scalarRecord(10, 15, 20, 2)
	b1 := scalarRecord(5, 6, 7, 0)
	b2 := scalarRecord(30, 31, 32, 0)

	first, err := a.Merge(acc, b1)
	require.NoError(t, err)
	first, err = a.Merge(first, b2)
	require.NoError(t, err)

	second, err := a.Merge(acc, b2)
	require.NoError(t, err)
	second, err = a.Merge(second, b1)
	require.NoError(t, err)

	assert.Equal(t, floatOf(t, first.Min), floatOf(t, second.Min))
	assert.Equal(t, floatOf(t, first.Max), floatOf(t, second.Max))
	assert.InDelta(t, floatOf(t, first.Avg), floatOf(t, second.Avg), 1e-9)
	assert.InDelta(t, 16.75, floatOf(t, first.Avg), 1e-9)
	assert.Equal(t, first.Count, second.Count)
	assert.Equal(t, int64(4), first.Count)
}

func TestMerge_StructuredOrderIndependent(t *testing.T) {
	a := New()
	energy := sensor.Identity{sensor.TagKind: "energy"}
	names := []string{"current", "power"}

	acc := structuredRecord(energy, names, []float64{1, 10}, []float64{2, 15}, []float64{3, 20}, 3)
	b1 := structuredRecord(energy, names, []float64{0, 12}, []float64{1, 13}, []float64{2, 14}, 0)
	b2 := structuredRecord(energy, names, []float64{4, 5}, []float64{5, 6}, []float64{6, 30}, 0)

	x, err := a.Merge(acc, b1)
	require.NoError(t, err)
	x, err = a.Merge(x, b2)
	require.NoError(t, err)

	y, err := a.Merge(acc, b2)
	require.NoError(t, err)
	y, err = a.Merge(y, b1)
	require.NoError(t, err)

	for _, name := range names {
		assert.Equal(t, componentOf(t, x.Min, name), componentOf(t, y.Min, name))
		assert.Equal(t, componentOf(t, x.Max, name), componentOf(t, y.Max, name))
		assert.InDelta(t, componentOf(t, x.Avg, name), componentOf(t, y.Avg, name), 1e-9)
	}
	assert.Equal(t, 0.0, componentOf(t, x.Min, "current"))
	assert.Equal(t, 5.0, componentOf(t, x.Min, "power"))
	assert.Equal(t, 30.0, componentOf(t, x.Max, "power"))
	assert.InDelta(t, (2.0*3+1+5)/5, componentOf(t, x.Avg, "current"), 1e-9)
	assert.Equal(t, int64(5), x.Count)
	assert.Equal(t, int64(5), y.Count)
}

func TestMerge_WindUsesCircularMean(t *testing.T) {
	a := New()
	names := windNames
	acc := structuredRecord(windSensor, names,
		[]float64{10, 4, 8, 20}, []float64{10, 4, 8, 20}, []float64{10, 4, 8, 20}, 1)
	next := structuredRecord(windSensor, names,
		[]float64{350, 4, 8, 340}, []float64{350, 4, 8, 340}, []float64{350, 4, 8, 340}, 0)

	out, err := a.Merge(acc, next)
	require.NoError(t, err)

	dir := componentOf(t, out.Avg, "windDir")
	assert.Less(t, angularDistance(dir, 0), 1e-3, "got %v", dir)
	assert.Equal(t, 3.939, componentOf(t, out.Avg, "windSpeed_kph"))
	assert.Equal(t, int64(2), out.Count)
}

func TestMerge_WeightedWind(t *testing.T) {
	a := New()
	names := []string{"windDir", "windSpeed_kph"}
	acc := structuredRecord(windSensor, names,
		[]float64{90, 4}, []float64{90, 4}, []float64{90, 4}, 3)
	next := structuredRecord(windSensor, names,
		[]float64{270, 4}, []float64{270, 4}, []float64{270, 4}, 0)

	out, err := a.Merge(acc, next)
	require.NoError(t, err)
	assert.InDelta(t, 90, componentOf(t, out.Avg, "windDir"), 1e-3)
	assert.Equal(t, 2.0, componentOf(t, out.Avg, "windSpeed_kph"))
}

func TestMerge_ShapeMismatch(t *testing.T) {
	energy := sensor.Identity{sensor.TagKind: "energy"}
	s := structuredRecord(energy, []string{"a"}, []float64{1}, []float64{1}, []float64{1}, 1)

	_, err := New().Merge(scalarRecord(1, 1, 1, 1), s)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
