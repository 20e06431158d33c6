package sensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredRoundTrip(t *testing.T) {
	comps := []Component{
		{Name: "windDir", Value: 147.13},
		{Name: "windSpeed_kph", Value: 4.1},
		{Name: "windGust_kph", Value: 12},
		{Name: "windGustDir", Value: 160},
	}

	value, units, err := EncodeStructured(comps)
	require.NoError(t, err)
	assert.Equal(t, `[147.13,4.1,12,160]`, value)
	assert.Equal(t, `["windDir","windSpeed_kph","windGust_kph","windGustDir"]`, units)

	decoded, err := DecodeStructured(value, units)
	require.NoError(t, err)
	require.Equal(t, comps, decoded)
}

func TestStructuredRoundTripUndefinedComponent(t *testing.T) {
	comps := []Component{{Name: "a", Value: 1}, {Name: "b", Value: math.NaN()}}

	value, units, err := EncodeStructured(comps)
	require.NoError(t, err)
	assert.Equal(t, `[1,null]`, value)

	decoded, err := DecodeStructured(value, units)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "b", decoded[1].Name)
	assert.True(t, math.IsNaN(decoded[1].Value))
}

func TestDecodeStructuredErrors(t *testing.T) {
	tests := []struct {
		name  string
		value string
		units string
	}{
		{"units not json", `[1,2]`, "celsius"},
		{"value not json", `hello`, `["a"]`},
		{"length mismatch", `[1,2]`, `["a"]`},
		{"empty names", `[]`, `[]`},
		{"null units", `null`, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStructured(tt.value, tt.units)
			require.ErrorIs(t, err, ErrNotStructured)
		})
	}
}

func TestParseField(t *testing.T) {
	v, units := ParseField(21.5, "celsius")
	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 21.5, f)
	assert.Equal(t, "celsius", units)

	v, _ = ParseField(`[1.5,2]`, `["x","y"]`)
	require.Equal(t, StructuredType, v.Type())
	assert.Equal(t, []string{"x", "y"}, v.Names())
	y, ok := v.Component("y")
	require.True(t, ok)
	assert.Equal(t, 2.0, y)

	// A string that looks structured but has broken units stays text.
	v, _ = ParseField(`[1.5,2]`, `["x"`)
	s, ok := v.Str()
	require.True(t, ok)
	assert.Equal(t, `[1.5,2]`, s)

	v, _ = ParseField("open", "")
	assert.Equal(t, TextType, v.Type())
}

func TestValueSameShape(t *testing.T) {
	a := Structured([]Component{{"x", 1}, {"y", 2}})
	b := Structured([]Component{{"x", 3}, {"y", 4}})
	c := Structured([]Component{{"y", 3}, {"x", 4}})

	assert.True(t, a.SameShape(b))
	assert.False(t, a.SameShape(c))
	assert.False(t, a.SameShape(Scalar(1)))
	assert.True(t, Scalar(1).SameShape(Scalar(2)))
}
