package agents

import (
	"fmt"

	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// GrowthParams tunes vessel sprouting and tip migration.
type GrowthParams struct {
	Substance diffusion.SubstanceID

	StepLength float64 // Length added per elongation

	BranchThreshold   float64 // Concentration a trunk point must exceed to try branching
	BranchSensitivity float64 // Branch probability per unit concentration

	BifurcationThreshold   float64 // Concentration a tip must exceed to try bifurcating
	BifurcationSensitivity float64 // Bifurcation probability per unit concentration
	Saturation             float64 // Above this a bifurcating tip stops the lineage

	BranchDiameter        float64 // Diameter of new side branches
	DaughterDiameterRatio float64 // Daughter/parent diameter on bifurcation

	Persistence       float64 // Weight of the current heading
	Chemotaxis        float64 // Weight of the unit gradient
	Noise             float64 // Weight of a random unit vector
	BifurcationSpread float64 // Random deflection of each daughter
}

// DefaultGrowthParams returns the tuned defaults.
func DefaultGrowthParams() GrowthParams {
	return GrowthParams{
		Substance:              diffusion.VEGF,
		StepLength:             1,
		BranchThreshold:        1e-6,
		BranchSensitivity:      1e5,
		BifurcationThreshold:   1e-2,
		BifurcationSensitivity: 1e-2,
		Saturation:             0.8,
		BranchDiameter:         1,
		DaughterDiameterRatio:  0.8,
		Persistence:            1,
		Chemotaxis:             1,
		Noise:                  0.5,
		BifurcationSpread:      0.5,
	}
}

// VascularGrowth grows a vessel lineage. On a branchable trunk point it
// offers exactly one chance to sprout a side branch once growth factor
// arrives; on a sprout tip it migrates up the gradient with noise and may
// bifurcate. Trunk tips never sprout.
type VascularGrowth struct {
	Params GrowthParams

	field *diffusion.Grid
}

// NewVascularGrowth returns a growth behavior with p.
func NewVascularGrowth(p GrowthParams) *VascularGrowth {
	return &VascularGrowth{Params: p}
}

// Name implements Behavior.
func (g *VascularGrowth) Name() string { return "vascular_growth" }

// Clone implements Behavior.
func (g *VascularGrowth) Clone() Behavior {
	c := *g
	return &c
}

// Run implements Behavior.
func (g *VascularGrowth) Run(ctx *StepContext, a *Agent) (Outcome, error) {
	if a.Kind != KindVessel {
		return Detach, fmt.Errorf("vascular growth on agent %d: %w", a.ID, ErrWrongKind)
	}
	field, err := resolveField(ctx, &g.field, g.Params.Substance)
	if err != nil {
		return Detach, err
	}
	seg, err := ctx.Tree.Get(a.Segment)
	if err != nil {
		return Detach, err
	}
	c := field.Sample(seg.Position)

	if seg.CanBranch {
		return g.runTrunk(ctx, seg, c)
	}
	return g.runSprout(ctx, seg, c)
}

func (g *VascularGrowth) runTrunk(ctx *StepContext, seg vessel.Segment, c float64) (Outcome, error) {
	// The trunk's own tip must not keep spawning branches at its head.
	if seg.Terminal() {
		return Detach, nil
	}
	if !(c > g.Params.BranchThreshold) {
		return Keep, nil
	}
	if ctx.Rand.Uniform(0, 1) < g.Params.BranchSensitivity*c {
		if err := g.sprout(ctx, seg, c); err != nil {
			return Detach, err
		}
		ctx.Tally.Branches++
	} else {
		ctx.Tally.BranchMisses++
	}
	return Detach, nil
}

// sprout grows a side branch off a trunk point and elongates it once. Only
// the new tip carries growth forward.
func (g *VascularGrowth) sprout(ctx *StepContext, seg vessel.Segment, c float64) error {
	dir := g.heading(seg.Position, c)
	if geom.IsZero(dir) {
		dir = geom.RandomUnit(ctx.Rand)
	}
	side, err := ctx.Tree.Branch(seg.ID, dir, g.Params.StepLength, g.Params.BranchDiameter)
	if err != nil {
		return err
	}
	sideSeg, err := ctx.Tree.Get(side)
	if err != nil {
		return err
	}

	next := g.heading(sideSeg.Position, g.field.Sample(sideSeg.Position))
	if geom.IsZero(next) {
		next = sideSeg.Direction
	}
	tip, err := ctx.Tree.Elongate(side, next, g.Params.StepLength)
	if err != nil {
		return err
	}

	if err := g.spawn(ctx, side, nil); err != nil {
		return err
	}
	return g.spawn(ctx, tip, g.Clone())
}

func (g *VascularGrowth) runSprout(ctx *StepContext, seg vessel.Segment, c float64) (Outcome, error) {
	// Growth continues at the tips; an interior segment has nothing to do.
	if !seg.Terminal() {
		return Detach, nil
	}
	if c > g.Params.BifurcationThreshold && ctx.Rand.Uniform(0, 1) < g.Params.BifurcationSensitivity*c {
		return Detach, g.bifurcate(ctx, seg, c)
	}
	return Detach, g.elongate(ctx, seg, c)
}

// elongate appends one segment along the blend of heading, noise and
// gradient and moves this behavior's role to the new tip.
func (g *VascularGrowth) elongate(ctx *StepContext, seg vessel.Segment, c float64) error {
	p := g.Params
	dir := geom.Unit(geom.Blend(
		[]float64{p.Persistence, p.Noise, p.Chemotaxis},
		seg.Direction, geom.RandomUnit(ctx.Rand), g.heading(seg.Position, c),
	))
	if geom.IsZero(dir) {
		dir = seg.Direction
	}
	tip, err := ctx.Tree.Elongate(seg.ID, dir, p.StepLength)
	if err != nil {
		return err
	}
	ctx.Tally.Elongations++
	return g.spawn(ctx, tip, g.Clone())
}

// bifurcate splits the tip in two. Past saturation the daughters get no
// growth behavior, which halts the lineage.
func (g *VascularGrowth) bifurcate(ctx *StepContext, seg vessel.Segment, c float64) error {
	p := g.Params
	base := geom.Unit(geom.Blend(
		[]float64{p.Persistence, p.Chemotaxis},
		seg.Direction, g.heading(seg.Position, c),
	))
	if geom.IsZero(base) {
		base = seg.Direction
	}
	daughter := func() geom.Vec {
		d := geom.Unit(geom.Blend([]float64{1, p.BifurcationSpread}, base, geom.RandomUnit(ctx.Rand)))
		if geom.IsZero(d) {
			return base
		}
		return d
	}
	left, right := daughter(), daughter()

	l, r, err := ctx.Tree.Bifurcate(seg.ID, left, right, p.StepLength, p.DaughterDiameterRatio)
	if err != nil {
		return err
	}
	ctx.Tally.Bifurcations++

	saturated := c > p.Saturation
	if saturated {
		ctx.Tally.Halted++
	}
	for _, id := range []vessel.SegmentID{l, r} {
		var b Behavior
		if !saturated {
			b = g.Clone()
		}
		if err := g.spawn(ctx, id, b); err != nil {
			return err
		}
	}
	return nil
}

// heading returns the unit gradient at pos, or zero where the field is
// empty.
func (g *VascularGrowth) heading(pos geom.Vec, c float64) geom.Vec {
	if c == 0 {
		return geom.Vec{}
	}
	return geom.Unit(g.field.Gradient(pos))
}

func (g *VascularGrowth) spawn(ctx *StepContext, id vessel.SegmentID, b Behavior) error {
	var behaviors []Behavior
	if b != nil {
		behaviors = []Behavior{b}
	}
	a, err := ctx.Spawner.Vessel(ctx.Tree, id, behaviors...)
	if err != nil {
		return err
	}
	ctx.Population.Add(a)
	return nil
}
