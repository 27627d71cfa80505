// Package geom provides the 3D vector helpers shared by the field, the
// vessel tree and the agents. Vectors are gonum r3.Vec values.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is a point or direction in simulation space.
type Vec = r3.Vec

// Epsilon is the norm below which a vector is treated as zero.
const Epsilon = 1e-12

// Unit returns v scaled to length 1, or the zero vector when v is
// (numerically) zero. r3.Unit yields NaNs for the zero vector.
func Unit(v Vec) Vec {
	n := r3.Norm(v)
	if n < Epsilon {
		return Vec{}
	}
	return r3.Scale(1/n, v)
}

// IsZero reports whether v has (numerically) zero length.
func IsZero(v Vec) bool {
	return r3.Norm(v) < Epsilon
}

// Dist2 returns the squared distance between a and b.
func Dist2(a, b Vec) float64 {
	return r3.Norm2(r3.Sub(a, b))
}

// Blend returns the weighted sum of the given vectors.
func Blend(weights []float64, vs ...Vec) Vec {
	var out Vec
	for i, v := range vs {
		out = r3.Add(out, r3.Scale(weights[i], v))
	}
	return out
}

// Uniformer is the minimal random source needed to draw directions.
type Uniformer interface {
	Uniform(lo, hi float64) float64
}

// RandomUnit draws a direction uniformly distributed on the unit sphere.
// Always consumes exactly two draws from r.
func RandomUnit(r Uniformer) Vec {
	z := r.Uniform(-1, 1)
	theta := r.Uniform(0, 2*math.Pi)
	rho := math.Sqrt(math.Max(0, 1-z*z))
	return Vec{X: rho * math.Cos(theta), Y: rho * math.Sin(theta), Z: z}
}

