package diffusion

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/angiogenesis/internal/geom"
)

// Initializer maps a voxel centre to its starting concentration.
type Initializer func(p geom.Vec) float64

// Axis selects a coordinate axis.
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) of(p geom.Vec) float64 {
	switch a {
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	default:
		return p.X
	}
}

// Uniform sets every voxel to value.
func Uniform(value float64) Initializer {
	return func(geom.Vec) float64 { return value }
}

// GaussianBand produces a band of concentration perpendicular to axis,
// peaking at mean.
func GaussianBand(axis Axis, mean, sigma, amplitude float64) Initializer {
	return func(p geom.Vec) float64 {
		d := axis.of(p) - mean
		return amplitude * math.Exp(-d*d/(2*sigma*sigma))
	}
}

// Noise produces a smooth non-negative background from layered simplex
// noise. scale is the base spatial frequency; each octave doubles it and
// halves its weight.
func Noise(seed int64, amplitude, scale float64, octaves int) Initializer {
	noise := opensimplex.NewNormalized(seed)
	return func(p geom.Vec) float64 {
		return amplitude * octaveNoise(noise, p, max(octaves, 1), scale, 0.5)
	}
}

func octaveNoise(noise opensimplex.Noise, p geom.Vec, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval3(p.X*frequency, p.Y*frequency, p.Z*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
