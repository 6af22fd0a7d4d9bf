package limiter

import (
	"math/rand"
	"time"
)

// Range is a closed [Min, Max] duration interval.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) normalize() Range {
	if r.Min < 0 {
		r.Min = 0
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return r
}

func (r Range) IsZero() bool { return r.Min <= 0 && r.Max <= 0 }

// BoundedGaussian draws a normally distributed duration centered on the
// midpoint of r with sigma = (Max-Min)/6, clipped to [Min, Max].
func BoundedGaussian(rng *rand.Rand, r Range) time.Duration {
	r = r.normalize()
	if r.Max == r.Min {
		return r.Min
	}
	mean := float64(r.Min+r.Max) / 2
	sigma := float64(r.Max-r.Min) / 6
	v := mean + rng.NormFloat64()*sigma
	if v < float64(r.Min) {
		v = float64(r.Min)
	}
	if v > float64(r.Max) {
		v = float64(r.Max)
	}
	return time.Duration(v)
}
