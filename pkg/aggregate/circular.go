package aggregate

import (
	"math"
)

// VectorSample is one directional observation.
// NaN Direction or Magnitude marks the sample as absent.
type VectorSample struct {
	Direction float64 // degrees, where the quantity comes from
	Magnitude float64
	Weight    float64
}

// Sample returns a sample of weight 1.
func Sample(direction, magnitude float64) VectorSample {
	return VectorSample{Direction: direction, Magnitude: magnitude, Weight: 1}
}

// WeightedSample returns a sample carrying the given weight.
func WeightedSample(direction, magnitude, weight float64) VectorSample {
	return VectorSample{Direction: direction, Magnitude: magnitude, Weight: weight}
}

// CircularMean averages vectors through their east/north components.
// Calm samples (zero magnitude) add their weight but no direction.
// ok is false when no sample is defined or the total weight is zero.
func CircularMean(samples []VectorSample) (magnitude, direction float64, ok bool) {
	var east, north, total float64
	var defined bool

	for _, s := range samples {
		if math.IsNaN(s.Direction) || math.IsNaN(s.Magnitude) {
			continue
		}
		w := s.Weight
		if math.IsNaN(w) {
			w = 1
		}
		defined = true
		total += w
		if s.Magnitude == 0 {
			continue
		}
		rad := s.Direction * math.Pi / 180
		east += w * s.Magnitude * math.Sin(rad)
		north += w * s.Magnitude * math.Cos(rad)
	}

	if !defined || total == 0 {
		return math.NaN(), math.NaN(), false
	}

	east = -east / total
	north = -north / total
	magnitude = math.Hypot(east, north)
	direction = foldDirection(math.Atan2(east, north) * 180 / math.Pi)
	return magnitude, direction, true
}

// foldDirection turns the bearing of the negated mean vector back into the
// direction the quantity comes from. An exact 180 is left unchanged.
func foldDirection(deg float64) float64 {
	switch {
	case deg < 180:
		return deg + 180
	case deg > 180:
		return deg - 180
	default:
		return deg
	}
}
