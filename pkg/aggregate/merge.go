package aggregate

import (
	"fmt"
	"math"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

// Seed starts an accumulator from a record. A hi-res record gets weight 1.
func Seed(rec *Record) *Record {
	acc := rec.Clone()
	acc.Count = rec.Weight()
	return acc
}

// Merge folds next into the accumulator acc and returns the new accumulator.
// Averages are weighted by the running counts, so the final value does not
// depend on merge order. Neither input is modified.
func (a *Aggregator) Merge(acc, next *Record) (*Record, error) {
	if !acc.Avg.SameShape(next.Avg) {
		return nil, fmt.Errorf("%w: accumulator is %s, sample is %s",
			ErrShapeMismatch, acc.Avg.Type(), next.Avg.Type())
	}

	n, m := float64(acc.Weight()), float64(next.Weight())
	out := acc.Clone()
	out.Count = acc.Weight() + next.Weight()

	switch acc.Avg.Type() {
	case sensor.ScalarType:
		amin, _ := acc.Min.Float()
		bmin, _ := next.Min.Float()
		amax, _ := acc.Max.Float()
		bmax, _ := next.Max.Float()
		aavg, _ := acc.Avg.Float()
		bavg, _ := next.Avg.Float()
		out.Min = sensor.Scalar(nanMin(amin, bmin))
		out.Max = sensor.Scalar(nanMax(amax, bmax))
		out.Avg = sensor.Scalar(weightedMean(aavg, n, bavg, m))

	case sensor.StructuredType:
		names := acc.Avg.Names()
		amin, bmin := values(acc.Min), values(next.Min)
		amax, bmax := values(acc.Max), values(next.Max)
		aavg, bavg := values(acc.Avg), values(next.Avg)

		minRow := make([]float64, len(names))
		maxRow := make([]float64, len(names))
		avgRow := make([]float64, len(names))
		for j := range names {
			minRow[j] = nanMin(amin[j], bmin[j])
			maxRow[j] = nanMax(amax[j], bmax[j])
			avgRow[j] = weightedMean(aavg[j], n, bavg[j], m)
		}

		for _, p := range resolvePairs(names, a.Pairs(acc.Identity.Kind())) {
			mag, dir, _ := CircularMean([]VectorSample{
				WeightedSample(aavg[p.dir], aavg[p.mag], n),
				WeightedSample(bavg[p.dir], bavg[p.mag], m),
			})
			avgRow[p.mag] = Round(mag, a.precision)
			avgRow[p.dir] = Round(dir, a.precision)
		}

		out.Min = sensor.Structured(zip(names, minRow))
		out.Max = sensor.Structured(zip(names, maxRow))
		out.Avg = sensor.Structured(zip(names, avgRow))

	default:
		return nil, fmt.Errorf("%w: cannot merge %s values", ErrUnaggregatable, acc.Avg.Type())
	}
	return out, nil
}

func values(v sensor.Value) []float64 {
	comps := v.Components()
	out := make([]float64, len(comps))
	for i, c := range comps {
		out[i] = c.Value
	}
	return out
}

func zip(names []string, vals []float64) []sensor.Component {
	comps := make([]sensor.Component, len(names))
	for i := range names {
		comps[i] = sensor.Component{Name: names[i], Value: vals[i]}
	}
	return comps
}

func nanMin(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Min(a, b)
}

func nanMax(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Max(a, b)
}

func weightedMean(a, n, b, m float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return (a*n + b*m) / (n + m)
}
