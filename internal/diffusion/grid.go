// Package diffusion provides the substance grids: a uniform 3D voxel field
// that diffuses and decays each step, plus point sampling, gradient
// estimation and source injection.
package diffusion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/talgya/angiogenesis/internal/geom"
)

// Configuration and contract errors.
var (
	ErrInvalidBounds      = errors.New("diffusion: invalid domain bounds")
	ErrInvalidVoxelSize   = errors.New("diffusion: voxel size must be positive")
	ErrInvalidCoefficient = errors.New("diffusion: coefficients must be non-negative")
	ErrInvalidStep        = errors.New("diffusion: time step must be positive")
	ErrUnstable           = errors.New("diffusion: time step exceeds explicit stability bound")
	ErrNegativeAmount     = errors.New("diffusion: injected amount must be non-negative")
)

// GridConfig holds the fixed parameters of a grid.
type GridConfig struct {
	Min       geom.Vec // Lower corner of the domain
	Max       geom.Vec // Upper corner of the domain
	VoxelSize float64
	Diffusion float64 // D
	Decay     float64 // First-order decay rate
	Workers   int     // Goroutines used by Step (<=0 means 1)
}

// Grid is a dense scalar concentration field over a box domain.
// Values are stored x-fastest, then y, then z.
type Grid struct {
	origin    geom.Vec
	max       geom.Vec
	h         float64
	nx        int
	ny        int
	nz        int
	diffusion float64
	decay     float64
	workers   int

	mu   sync.RWMutex
	c    []float64
	next []float64
}

// NewGrid validates cfg and returns a zero-filled grid.
func NewGrid(cfg GridConfig) (*Grid, error) {
	if cfg.VoxelSize <= 0 || math.IsNaN(cfg.VoxelSize) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidVoxelSize, cfg.VoxelSize)
	}
	ext := [3]float64{cfg.Max.X - cfg.Min.X, cfg.Max.Y - cfg.Min.Y, cfg.Max.Z - cfg.Min.Z}
	for axis, e := range ext {
		if !(e > 0) || math.IsInf(e, 0) {
			return nil, fmt.Errorf("%w: extent %g on axis %d", ErrInvalidBounds, e, axis)
		}
	}
	if cfg.Diffusion < 0 || cfg.Decay < 0 {
		return nil, fmt.Errorf("%w: D=%g decay=%g", ErrInvalidCoefficient, cfg.Diffusion, cfg.Decay)
	}

	g := &Grid{
		origin:    cfg.Min,
		max:       cfg.Max,
		h:         cfg.VoxelSize,
		nx:        voxelsFor(ext[0], cfg.VoxelSize),
		ny:        voxelsFor(ext[1], cfg.VoxelSize),
		nz:        voxelsFor(ext[2], cfg.VoxelSize),
		diffusion: cfg.Diffusion,
		decay:     cfg.Decay,
		workers:   max(cfg.Workers, 1),
	}
	n := g.nx * g.ny * g.nz
	g.c = make([]float64, n)
	g.next = make([]float64, n)
	return g, nil
}

func voxelsFor(extent, h float64) int {
	// Tolerate extents that are an exact multiple up to rounding noise.
	n := int(math.Ceil(extent/h - 1e-9))
	return max(n, 1)
}

// Dims returns the voxel counts along x, y and z.
func (g *Grid) Dims() (nx, ny, nz int) { return g.nx, g.ny, g.nz }

// VoxelSize returns the edge length of one voxel.
func (g *Grid) VoxelSize() float64 { return g.h }

// Bounds returns the domain corners.
func (g *Grid) Bounds() (lo, hi geom.Vec) { return g.origin, g.max }

// Diffusion returns the diffusion coefficient.
func (g *Grid) Diffusion() float64 { return g.diffusion }

// Decay returns the decay rate.
func (g *Grid) Decay() float64 { return g.decay }

// Voxel returns the indices of the voxel containing p, clamped to the
// domain.
func (g *Grid) Voxel(p geom.Vec) (i, j, k int) {
	i = clampIndex((p.X-g.origin.X)/g.h, g.nx)
	j = clampIndex((p.Y-g.origin.Y)/g.h, g.ny)
	k = clampIndex((p.Z-g.origin.Z)/g.h, g.nz)
	return i, j, k
}

func clampIndex(f float64, n int) int {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f >= float64(n) {
		return n - 1
	}
	return int(f)
}

// Center returns the centre point of voxel (i, j, k).
func (g *Grid) Center(i, j, k int) geom.Vec {
	return geom.Vec{
		X: g.origin.X + (float64(i)+0.5)*g.h,
		Y: g.origin.Y + (float64(j)+0.5)*g.h,
		Z: g.origin.Z + (float64(k)+0.5)*g.h,
	}
}

func (g *Grid) index(i, j, k int) int {
	return i + g.nx*(j+g.ny*k)
}

// Sample returns the concentration of the voxel containing p. Points
// outside the domain read the nearest boundary voxel.
func (g *Grid) Sample(p geom.Vec) float64 {
	i, j, k := g.Voxel(p)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.c[g.index(i, j, k)]
}

// ValueAt returns the concentration of voxel (i, j, k).
func (g *Grid) ValueAt(i, j, k int) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.c[g.index(i, j, k)]
}

// Gradient estimates the spatial gradient at the voxel containing p using
// central differences. Boundary voxels use a one-sided difference along the
// affected axis; an axis with a single voxel contributes 0.
func (g *Grid) Gradient(p geom.Vec) geom.Vec {
	i, j, k := g.Voxel(p)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return geom.Vec{
		X: g.axisDiff(i, g.nx, func(n int) float64 { return g.c[g.index(n, j, k)] }),
		Y: g.axisDiff(j, g.ny, func(n int) float64 { return g.c[g.index(i, n, k)] }),
		Z: g.axisDiff(k, g.nz, func(n int) float64 { return g.c[g.index(i, j, n)] }),
	}
}

func (g *Grid) axisDiff(at, n int, val func(int) float64) float64 {
	switch {
	case n == 1:
		return 0
	case at == 0:
		return (val(1) - val(0)) / g.h
	case at == n-1:
		return (val(n-1) - val(n-2)) / g.h
	default:
		return (val(at+1) - val(at-1)) / (2 * g.h)
	}
}

// Inject adds amount to the voxel containing p. Concurrent callers
// accumulate without losing writes.
func (g *Grid) Inject(p geom.Vec, amount float64) error {
	if amount < 0 || math.IsNaN(amount) {
		return fmt.Errorf("%w: %g", ErrNegativeAmount, amount)
	}
	if amount == 0 {
		return nil
	}
	i, j, k := g.Voxel(p)
	g.mu.Lock()
	g.c[g.index(i, j, k)] += amount
	g.mu.Unlock()
	return nil
}

// StableStep returns the largest dt the explicit stencil accepts, or +Inf
// when D is zero.
func (g *Grid) StableStep() float64 {
	if g.diffusion == 0 {
		return math.Inf(1)
	}
	return g.h * g.h / (6 * g.diffusion)
}

// CheckStep reports whether dt is a valid step for this grid.
func (g *Grid) CheckStep(dt float64) error {
	if !(dt > 0) {
		return fmt.Errorf("%w: dt=%g", ErrInvalidStep, dt)
	}
	if limit := g.StableStep(); dt > limit {
		return fmt.Errorf("%w: dt=%g limit=%g", ErrUnstable, dt, limit)
	}
	return nil
}

// Step advances the field by one explicit diffusion-decay update with
// no-flux boundaries. Every voxel is computed from the previous state.
func (g *Grid) Step(dt float64) error {
	if err := g.CheckStep(dt); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	workers := min(g.workers, g.nz)
	per := (g.nz + workers - 1) / workers

	var eg errgroup.Group
	eg.SetLimit(workers)
	for k0 := 0; k0 < g.nz; k0 += per {
		k1 := min(k0+per, g.nz)
		eg.Go(func() error {
			g.stepSlab(dt, k0, k1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	g.c, g.next = g.next, g.c
	return nil
}

// stepSlab writes next for z-layers [k0, k1). Missing neighbours mirror the
// centre value, so no flux crosses the boundary.
func (g *Grid) stepSlab(dt float64, k0, k1 int) {
	h2 := g.h * g.h
	sx, sy := 1, g.nx
	sz := g.nx * g.ny
	for k := k0; k < k1; k++ {
		for j := 0; j < g.ny; j++ {
			for i := 0; i < g.nx; i++ {
				idx := g.index(i, j, k)
				c := g.c[idx]

				sum := 0.0
				sum += g.neighbour(idx, c, i > 0, -sx)
				sum += g.neighbour(idx, c, i < g.nx-1, sx)
				sum += g.neighbour(idx, c, j > 0, -sy)
				sum += g.neighbour(idx, c, j < g.ny-1, sy)
				sum += g.neighbour(idx, c, k > 0, -sz)
				sum += g.neighbour(idx, c, k < g.nz-1, sz)
				lap := (sum - 6*c) / h2

				v := c + dt*(g.diffusion*lap-g.decay*c)
				if v < 0 {
					v = 0
				}
				g.next[idx] = v
			}
		}
	}
}

func (g *Grid) neighbour(idx int, centre float64, ok bool, offset int) float64 {
	if !ok {
		return centre
	}
	return g.c[idx+offset]
}

// Mass returns the sum of all voxel concentrations.
func (g *Grid) Mass() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return floats.Sum(g.c)
}

// Max returns the highest voxel concentration.
func (g *Grid) Max() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return floats.Max(g.c)
}

// Values returns a copy of the concentration array.
func (g *Grid) Values() []float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]float64, len(g.c))
	copy(out, g.c)
	return out
}

// Slice returns z-layer k as rows indexed [j][i]. k is clamped.
func (g *Grid) Slice(k int) [][]float64 {
	k = min(max(k, 0), g.nz-1)
	g.mu.RLock()
	defer g.mu.RUnlock()
	rows := make([][]float64, g.ny)
	for j := range rows {
		start := g.index(0, j, k)
		rows[j] = append([]float64(nil), g.c[start:start+g.nx]...)
	}
	return rows
}

// Initialize overwrites every voxel with f evaluated at the voxel centre.
// Negative and non-finite results are stored as 0.
func (g *Grid) Initialize(f Initializer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := 0; k < g.nz; k++ {
		for j := 0; j < g.ny; j++ {
			for i := 0; i < g.nx; i++ {
				v := f(g.Center(i, j, k))
				if !(v > 0) || math.IsInf(v, 1) {
					v = 0
				}
				g.c[g.index(i, j, k)] = v
			}
		}
	}
}

// SetValues overwrites the field with vals, which must hold one value per
// voxel in storage order.
func (g *Grid) SetValues(vals []float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(vals) != len(g.c) {
		return fmt.Errorf("diffusion: restore %d values into %d voxels", len(vals), len(g.c))
	}
	copy(g.c, vals)
	return nil
}
