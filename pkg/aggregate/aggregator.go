package aggregate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

// DefaultPrecision is the number of decimals kept on aggregated values.
const DefaultPrecision = 3

var (
	ErrEmptyGroup     = errors.New("empty sensor group")
	ErrUnaggregatable = errors.New("value cannot be aggregated")
	ErrShapeMismatch  = errors.New("readings disagree on value shape")
)

// VectorPair names the direction and magnitude components of a directional
// structured value.
type VectorPair struct {
	Direction string
	Magnitude string
}

// WindPairs are the directional pairs of the wind kind.
var WindPairs = []VectorPair{
	{Direction: "windDir", Magnitude: "windSpeed_kph"},
	{Direction: "windGustDir", Magnitude: "windGust_kph"},
}

// Aggregator reduces the readings of one sensor over one window.
type Aggregator struct {
	precision   int
	excluded    map[string]bool
	directional map[string][]VectorPair
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPrecision sets the number of decimals kept.
func WithPrecision(p int) Option {
	return func(a *Aggregator) { a.precision = p }
}

// WithExcludedKinds replaces the kinds that produce no aggregate.
func WithExcludedKinds(kinds ...string) Option {
	return func(a *Aggregator) {
		a.excluded = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			a.excluded[strings.ToLower(k)] = true
		}
	}
}

// WithDirectional registers vector pairs for a kind.
func WithDirectional(kind string, pairs ...VectorPair) Option {
	return func(a *Aggregator) { a.directional[strings.ToLower(kind)] = pairs }
}

// New returns an aggregator with precision 3, shutter excluded and wind
// treated as directional.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		precision:   DefaultPrecision,
		excluded:    map[string]bool{"shutter": true},
		directional: map[string][]VectorPair{"wind": WindPairs},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Precision returns the number of decimals kept.
func (a *Aggregator) Precision() int { return a.precision }

// Excluded reports whether kind is never aggregated.
func (a *Aggregator) Excluded(kind string) bool {
	return a.excluded[strings.ToLower(kind)]
}

// Pairs returns the directional pairs registered for kind.
func (a *Aggregator) Pairs(kind string) []VectorPair {
	return a.directional[strings.ToLower(kind)]
}

// Aggregate computes min/avg/max over readings sharing one identity.
// Excluded kinds return (nil, nil). Text values and mixed shapes are
// structural errors for the whole group.
func (a *Aggregator) Aggregate(readings []sensor.Reading) (*Record, error) {
	if len(readings) == 0 {
		return nil, ErrEmptyGroup
	}
	first := readings[0]
	if a.Excluded(first.Kind()) {
		return nil, nil
	}

	for i, r := range readings {
		if !r.Value.SameShape(first.Value) {
			return nil, fmt.Errorf("%w: %s row %d is %s, expected %s",
				ErrShapeMismatch, first.Identity, i, r.Value.Type(), first.Value.Type())
		}
	}

	rec := &Record{Identity: first.Identity, Units: first.Units}
	for _, r := range readings {
		if rec.Units != "" {
			break
		}
		rec.Units = r.Units
	}
	switch first.Value.Type() {
	case sensor.ScalarType:
		a.scalar(rec, readings)
	case sensor.StructuredType:
		if err := a.structured(rec, readings, a.Pairs(first.Kind())); err != nil {
			return nil, err
		}
	default:
		s, _ := first.Value.Str()
		return nil, fmt.Errorf("%w: %s holds text %q", ErrUnaggregatable, first.Identity, s)
	}
	return rec, nil
}

func (a *Aggregator) scalar(rec *Record, readings []sensor.Reading) {
	minV, maxV := math.Inf(1), math.Inf(-1)
	var sum float64
	for _, r := range readings {
		f, _ := r.Value.Float()
		minV = math.Min(minV, f)
		maxV = math.Max(maxV, f)
		sum += f
	}
	rec.Min = sensor.Scalar(Round(minV, a.precision))
	rec.Avg = sensor.Scalar(Round(sum/float64(len(readings)), a.precision))
	rec.Max = sensor.Scalar(Round(maxV, a.precision))
}

func (a *Aggregator) structured(rec *Record, readings []sensor.Reading, pairs []VectorPair) error {
	names := readings[0].Value.Names()
	rows := make([][]float64, len(readings))
	for i, r := range readings {
		comps := r.Value.Components()
		rows[i] = make([]float64, len(comps))
		for j, c := range comps {
			rows[i][j] = c.Value
		}
	}

	width := len(names)
	minRow := make([]float64, width)
	avgRow := make([]float64, width)
	maxRow := make([]float64, width)
	for j := 0; j < width; j++ {
		minRow[j], avgRow[j], maxRow[j] = column(rows, j)
	}

	for _, p := range resolvePairs(names, pairs) {
		if i := extremeRow(rows, p.mag, false); i >= 0 {
			minRow[p.dir], minRow[p.mag] = rows[i][p.dir], rows[i][p.mag]
		}
		if i := extremeRow(rows, p.mag, true); i >= 0 {
			maxRow[p.dir], maxRow[p.mag] = rows[i][p.dir], rows[i][p.mag]
		}
		samples := make([]VectorSample, len(rows))
		for i, row := range rows {
			samples[i] = Sample(row[p.dir], row[p.mag])
		}
		avgRow[p.mag], avgRow[p.dir], _ = CircularMean(samples)
	}

	rec.Min = sensor.Structured(a.components(names, minRow))
	rec.Avg = sensor.Structured(a.components(names, avgRow))
	rec.Max = sensor.Structured(a.components(names, maxRow))

	_, units, err := sensor.EncodeStructured(rec.Avg.Components())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnaggregatable, err)
	}
	rec.Units = units
	return nil
}

func (a *Aggregator) components(names []string, values []float64) []sensor.Component {
	comps := make([]sensor.Component, len(names))
	for i, name := range names {
		comps[i] = sensor.Component{Name: name, Value: Round(values[i], a.precision)}
	}
	return comps
}

type pairIndex struct{ dir, mag int }

// resolvePairs maps pair names to component positions, ignoring pairs the
// value does not carry.
func resolvePairs(names []string, pairs []VectorPair) []pairIndex {
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	var out []pairIndex
	for _, p := range pairs {
		d, okD := pos[p.Direction]
		m, okM := pos[p.Magnitude]
		if okD && okM {
			out = append(out, pairIndex{dir: d, mag: m})
		}
	}
	return out
}

// column returns min, mean and max of column j, skipping undefined entries.
func column(rows [][]float64, j int) (minV, avg, maxV float64) {
	minV, maxV = math.Inf(1), math.Inf(-1)
	var sum float64
	var n int
	for _, row := range rows {
		v := row[j]
		if math.IsNaN(v) {
			continue
		}
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	return minV, sum / float64(n), maxV
}

// extremeRow returns the first row holding the min (or max) of column j.
func extremeRow(rows [][]float64, j int, largest bool) int {
	best := -1
	for i, row := range rows {
		v := row[j]
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || (largest && v > rows[best][j]) || (!largest && v < rows[best][j]) {
			best = i
		}
	}
	return best
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
