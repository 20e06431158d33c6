package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

var roomSensor = sensor.Identity{
	sensor.TagLocation: "a",
	sensor.TagBuilding: "b1",
	sensor.TagRoom:     "101",
	sensor.TagKind:     "temperature",
}

var windSensor = sensor.Identity{
	sensor.TagLocation: "ut3",
	sensor.TagKind:     "wind",
	sensor.TagUnitID:   "outside_ambient",
}

var windNames = []string{"windDir", "windSpeed_kph", "windGust_kph", "windGustDir"}

func scalarReading(id sensor.Identity, at string, v float64) sensor.Reading {
	ts, _ := time.Parse("15:04:05", at)
	return sensor.Reading{Identity: id, Time: ts, Value: sensor.Scalar(v), Units: "celsius"}
}

func structuredReading(id sensor.Identity, names []string, vals ...float64) sensor.Reading {
	comps := make([]sensor.Component, len(names))
	for i := range names {
		comps[i] = sensor.Component{Name: names[i], Value: vals[i]}
	}
	_, units, _ := sensor.EncodeStructured(comps)
	return sensor.Reading{Identity: id, Value: sensor.Structured(comps), Units: units}
}

func floatOf(t *testing.T, v sensor.Value) float64 {
	t.Helper()
	f, ok := v.Float()
	require.True(t, ok, "expected scalar, got %s", v.Type())
	return f
}

func componentOf(t *testing.T, v sensor.Value, name string) float64 {
	t.Helper()
	f, ok := v.Component(name)
	require.True(t, ok, "missing component %s", name)
	return f
}

func TestAggregate_Scalar(t *testing.T) {
	rec, err := New().Aggregate([]sensor.Reading{
		scalarReading(roomSensor, "12:01:00", 21.0),
		scalarReading(roomSensor, "12:03:00", 21.5),
		scalarReading(roomSensor, "12:04:30", 22.0),
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, sensor.ScalarType, rec.Shape())
	assert.Equal(t, 21.0, floatOf(t, rec.Min))
	assert.Equal(t, 21.5, floatOf(t, rec.Avg))
	assert.Equal(t, 22.0, floatOf(t, rec.Max))
	assert.Equal(t, "celsius", rec.Units)
	assert.Equal(t, roomSensor, rec.Identity)
}

func TestAggregate_Rounding(t *testing.T) {
	rec, err := New().Aggregate([]sensor.Reading{
		scalarReading(roomSensor, "12:01:00", 1),
		scalarReading(roomSensor, "12:02:00", 1),
		scalarReading(roomSensor, "12:03:00", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.333, floatOf(t, rec.Avg))

	rec, err = New(WithPrecision(1)).Aggregate([]sensor.Reading{
		scalarReading(roomSensor, "12:01:00", 1),
		scalarReading(roomSensor, "12:02:00", 2),
		scalarReading(roomSensor, "12:03:00", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.7, floatOf(t, rec.Avg))
}

func TestAggregate_StructuredComponentwise(t *testing.T) {
	energy := sensor.Identity{sensor.TagKind: "energy", sensor.TagUnitID: "pm1"}
	names := []string{"current", "power"}

	rec, err := New().Aggregate([]sensor.Reading{
		structuredReading(energy, names, 1, 10),
		structuredReading(energy, names, 3, 20),
	})
	require.NoError(t, err)

	require.Equal(t, sensor.StructuredType, rec.Shape())
	assert.Equal(t, names, rec.Avg.Names())
	assert.Equal(t, 1.0, componentOf(t, rec.Min, "current"))
	assert.Equal(t, 10.0, componentOf(t, rec.Min, "power"))
	assert.Equal(t, 2.0, componentOf(t, rec.Avg, "current"))
	assert.Equal(t, 15.0, componentOf(t, rec.Avg, "power"))
	assert.Equal(t, 3.0, componentOf(t, rec.Max, "current"))
	assert.Equal(t, 20.0, componentOf(t, rec.Max, "power"))
	assert.Equal(t, `["current","power"]`, rec.Units)
}

func TestAggregate_WindAverageCrossesNorth(t *testing.T) {
	rec, err := New().Aggregate([]sensor.Reading{
		structuredReading(windSensor, windNames, 10, 4, 8, 20),
		structuredReading(windSensor, windNames, 350, 4, 8, 340),
	})
	require.NoError(t, err)

	dir := componentOf(t, rec.Avg, "windDir")
	assert.Less(t, angularDistance(dir, 0), 1e-3, "got %v", dir)
	assert.Equal(t, 3.939, componentOf(t, rec.Avg, "windSpeed_kph"))
	assert.Less(t, angularDistance(componentOf(t, rec.Avg, "windGustDir"), 0), 1e-3)
}

func TestAggregate_WindExtremesKeepTheWholePair(t *testing.T) {
	rec, err := New().Aggregate([]sensor.Reading{
		structuredReading(windSensor, windNames, 300, 2, 9, 10),
		structuredReading(windSensor, windNames, 20, 7, 5, 350),
		structuredReading(windSensor, windNames, 90, 5, 15, 100),
	})
	require.NoError(t, err)

	// Direction comes from the sample with the extreme speed, not the
	// extreme direction.
	assert.Equal(t, 300.0, componentOf(t, rec.Min, "windDir"))
	assert.Equal(t, 2.0, componentOf(t, rec.Min, "windSpeed_kph"))
	assert.Equal(t, 20.0, componentOf(t, rec.Max, "windDir"))
	assert.Equal(t, 7.0, componentOf(t, rec.Max, "windSpeed_kph"))

	assert.Equal(t, 350.0, componentOf(t, rec.Min, "windGustDir"))
	assert.Equal(t, 5.0, componentOf(t, rec.Min, "windGust_kph"))
	assert.Equal(t, 100.0, componentOf(t, rec.Max, "windGustDir"))
	assert.Equal(t, 15.0, componentOf(t, rec.Max, "windGust_kph"))
}

func TestAggregate_ExcludedKind(t *testing.T) {
	shutter := sensor.Identity{sensor.TagKind: "Shutter", sensor.TagUnitID: "s1"}
	rec, err := New().Aggregate([]sensor.Reading{
		{Identity: shutter, Value: sensor.Text("up")},
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAggregate_TextGroupIsDropped(t *testing.T) {
	// A string that failed the structured decode stays text and the group
	// is rejected rather than averaged.
	v, units := sensor.ParseField(`[1,2`, `["a","b"]`)
	rec, err := New().Aggregate([]sensor.Reading{
		{Identity: roomSensor, Value: v, Units: units},
	})
	require.ErrorIs(t, err, ErrUnaggregatable)
	assert.Nil(t, rec)
}

func TestAggregate_ShapeMismatch(t *testing.T) {
	_, err := New().Aggregate([]sensor.Reading{
		scalarReading(roomSensor, "12:01:00", 21),
		{Identity: roomSensor, Value: sensor.Text("n/a")},
	})
	require.ErrorIs(t, err, ErrShapeMismatch)

	energy := sensor.Identity{sensor.TagKind: "energy"}
	_, err = New().Aggregate([]sensor.Reading{
		structuredReading(energy, []string{"a", "b"}, 1, 2),
		structuredReading(energy, []string{"a"}, 1),
	})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAggregate_EmptyGroup(t *testing.T) {
	_, err := New().Aggregate(nil)
	require.ErrorIs(t, err, ErrEmptyGroup)
}
