package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/entropy"
	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

type harness struct {
	ctx   *StepContext
	field *diffusion.Grid
	tree  *vessel.Tree
	pop   *Population
}

func newHarness(t *testing.T, rnd Random) *harness {
	t.Helper()
	g, err := diffusion.NewGrid(diffusion.GridConfig{
		Max:       geom.Vec{X: 20, Y: 20, Z: 20},
		VoxelSize: 1,
	})
	require.NoError(t, err)
	reg := diffusion.NewRegistry()
	require.NoError(t, reg.Define(diffusion.VEGF, "VEGF", g))

	h := &harness{field: g, tree: vessel.NewTree(), pop: NewPopulation()}
	h.ctx = &StepContext{
		Substances: reg,
		Tree:       h.tree,
		Population: h.pop,
		Spawner:    NewSpawner(),
		Rand:       rnd,
		Tally:      &Tally{},
	}
	return h
}

// trunk grows a branchable chain of n unit segments along +x from start and
// returns one committed vessel agent per segment, each with its own growth
// behavior.
func (h *harness) trunk(t *testing.T, start geom.Vec, n int, p GrowthParams) []*Agent {
	t.Helper()
	id, err := h.tree.AddRoot(start, geom.Vec{X: 1}, 1, 2, true)
	require.NoError(t, err)
	ids := []vessel.SegmentID{id}
	for i := 1; i < n; i++ {
		id, err = h.tree.Elongate(id, geom.Vec{X: 1}, 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	var out []*Agent
	for _, id := range ids {
		a, err := h.ctx.Spawner.Vessel(h.tree, id, NewVascularGrowth(p))
		require.NoError(t, err)
		h.pop.Add(a)
		out = append(out, a)
	}
	h.pop.Commit()
	return out
}

func (h *harness) sprout(t *testing.T, start geom.Vec, p GrowthParams) *Agent {
	t.Helper()
	id, err := h.tree.AddRoot(start, geom.Vec{X: 1}, 1, 1, false)
	require.NoError(t, err)
	a, err := h.ctx.Spawner.Vessel(h.tree, id, NewVascularGrowth(p))
	require.NoError(t, err)
	h.pop.Add(a)
	h.pop.Commit()
	return a
}

func run(t *testing.T, h *harness, a *Agent) Outcome {
	t.Helper()
	require.Len(t, a.Behaviors, 1)
	out, err := a.Behaviors[0].Run(h.ctx, a)
	require.NoError(t, err)
	return out
}

func TestTrunkTipDetachesAfterOneRun(t *testing.T) {
	for _, level := range []float64{0, 1e-3, 5} {
		h := newHarness(t, entropy.NewSequence(0))
		h.field.Initialize(diffusion.Uniform(level))
		agents := h.trunk(t, geom.Vec{X: 2, Y: 10.5, Z: 10.5}, 3, DefaultGrowthParams())

		tip := agents[2]
		assert.Equal(t, Detach, run(t, h, tip), "level=%g", level)
		assert.Equal(t, 3, h.tree.Len(), "a trunk tip never grows or sprouts")
		assert.Zero(t, h.pop.Pending())
	}
}

func TestTrunkPointWaitsBelowThreshold(t *testing.T) {
	rnd := entropy.NewSequence(0)
	h := newHarness(t, rnd)
	agents := h.trunk(t, geom.Vec{X: 2, Y: 10.5, Z: 10.5}, 3, DefaultGrowthParams())

	assert.Equal(t, Keep, run(t, h, agents[1]))
	assert.Equal(t, Keep, run(t, h, agents[1]))
	assert.Zero(t, rnd.Used(), "no draw below threshold")

	// Exactly at the threshold is not above it.
	h.field.Initialize(diffusion.Uniform(DefaultGrowthParams().BranchThreshold))
	assert.Equal(t, Keep, run(t, h, agents[1]))
	assert.Zero(t, rnd.Used())
}

func TestTrunkPointBranchesOnce(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	h.field.Initialize(func(p geom.Vec) float64 { return 0.01 * p.Y })
	agents := h.trunk(t, geom.Vec{X: 2, Y: 10.5, Z: 10.5}, 3, DefaultGrowthParams())
	point := agents[1]

	assert.Equal(t, Detach, run(t, h, point))
	assert.Equal(t, 1, h.ctx.Tally.Branches)

	seg, err := h.tree.Get(point.Segment)
	require.NoError(t, err)
	require.NotEqual(t, vessel.None, seg.Right)

	side, _ := h.tree.Get(seg.Right)
	assert.False(t, side.CanBranch)
	assert.Equal(t, 1.0, side.Diameter)
	assert.InDelta(t, 1.0, side.Direction.Y, 1e-12, "side branch follows the gradient")
	assert.False(t, side.Terminal(), "side branch is elongated once")

	tip, _ := h.tree.Get(side.Left)
	assert.True(t, tip.Terminal())
	assert.False(t, tip.CanBranch)

	// Side segment and tip become agents at commit; only the tip grows.
	require.Equal(t, 2, h.pop.Pending())
	h.pop.Commit()
	var growing int
	for _, a := range h.pop.Snapshot() {
		if a.Segment == side.ID {
			assert.Empty(t, a.Behaviors)
		}
		if a.Segment == tip.ID {
			assert.Equal(t, []string{"vascular_growth"}, a.BehaviorNames())
			growing++
		}
	}
	assert.Equal(t, 1, growing)
}

func TestTrunkPointFailedDrawStillDetaches(t *testing.T) {
	p := DefaultGrowthParams()
	p.BranchSensitivity = 1e-9
	h := newHarness(t, entropy.NewSequence(0.5))
	h.field.Initialize(diffusion.Uniform(0.5))
	agents := h.trunk(t, geom.Vec{X: 2, Y: 10.5, Z: 10.5}, 3, p)

	assert.Equal(t, Detach, run(t, h, agents[0]))
	assert.Equal(t, 3, h.tree.Len())
	assert.Equal(t, 0, h.ctx.Tally.Branches)
	assert.Equal(t, 1, h.ctx.Tally.BranchMisses)
}

func TestSproutElongatesInEmptyField(t *testing.T) {
	rnd := entropy.NewSequence(0.25, 0.5)
	h := newHarness(t, rnd)
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, DefaultGrowthParams())
	before, _ := h.tree.Get(a.Segment)

	assert.Equal(t, Detach, run(t, h, a))
	assert.Equal(t, 2, rnd.Used(), "only the noise direction is drawn")
	assert.Equal(t, 1, h.ctx.Tally.Elongations)

	after, _ := h.tree.Get(a.Segment)
	require.NotEqual(t, vessel.None, after.Left)
	tip, _ := h.tree.Get(after.Left)
	assert.InDelta(t, 1.0, r3.Norm(r3.Sub(tip.Position, before.Position)), 1e-12)
	assert.Equal(t, before.Diameter, tip.Diameter)

	require.Equal(t, 1, h.pop.Pending())
	h.pop.Commit()
	snap := h.pop.Snapshot()
	assert.Equal(t, []string{"vascular_growth"}, snap[len(snap)-1].BehaviorNames())
}

func TestSproutBifurcatesAboveThreshold(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	h.field.Initialize(diffusion.Uniform(0.5))
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, DefaultGrowthParams())

	assert.Equal(t, Detach, run(t, h, a))
	assert.Equal(t, 1, h.ctx.Tally.Bifurcations)

	seg, _ := h.tree.Get(a.Segment)
	children := seg.Children()
	require.Len(t, children, 2)
	branchable := 0
	for _, id := range children {
		c, _ := h.tree.Get(id)
		assert.True(t, c.Terminal())
		assert.Less(t, c.Diameter, seg.Diameter)
		if c.CanBranch {
			branchable++
		}
	}
	assert.LessOrEqual(t, branchable, 1)

	h.pop.Commit()
	for _, ag := range h.pop.Snapshot()[1:] {
		assert.Equal(t, []string{"vascular_growth"}, ag.BehaviorNames())
	}
}

// A tip that bifurcates does not also elongate in the same step: both
// daughters hang directly off the old tip, one step length further out.
func TestBifurcationReplacesElongation(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	h.field.Initialize(diffusion.Uniform(0.5))
	p := DefaultGrowthParams()
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, p)
	before := h.tree.Len()
	base, err := h.tree.PathLength(a.Segment)
	require.NoError(t, err)

	run(t, h, a)
	assert.Equal(t, 1, h.ctx.Tally.Bifurcations)
	assert.Zero(t, h.ctx.Tally.Elongations)
	assert.Equal(t, before+2, h.tree.Len())

	seg, _ := h.tree.Get(a.Segment)
	require.Len(t, seg.Children(), 2)
	for _, id := range seg.Children() {
		l, err := h.tree.PathLength(id)
		require.NoError(t, err)
		assert.InDelta(t, base+p.StepLength, l, 1e-9)
	}
}

func TestSaturatedBifurcationHaltsLineage(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	h.field.Initialize(diffusion.Uniform(0.9))
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, DefaultGrowthParams())

	assert.Equal(t, Detach, run(t, h, a))
	assert.Equal(t, 1, h.ctx.Tally.Halted)
	h.pop.Commit()
	snap := h.pop.Snapshot()
	require.Len(t, snap, 3)
	for _, ag := range snap[1:] {
		assert.Empty(t, ag.Behaviors)
	}
}

func TestSproutBelowBifurcationProbabilityElongates(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0.99))
	h.field.Initialize(diffusion.Uniform(0.5))
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, DefaultGrowthParams())

	assert.Equal(t, Detach, run(t, h, a))
	seg, _ := h.tree.Get(a.Segment)
	assert.Len(t, seg.Children(), 1)
	assert.Equal(t, 0, h.ctx.Tally.Bifurcations)
}

func TestInteriorSproutDetaches(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	a := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, DefaultGrowthParams())
	_, err := h.tree.Elongate(a.Segment, geom.Vec{X: 1}, 1)
	require.NoError(t, err)

	assert.Equal(t, Detach, run(t, h, a))
	assert.Equal(t, 2, h.tree.Len())
}

func TestBehaviorErrors(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	cell, err := h.ctx.Spawner.Cell(geom.Vec{X: 1, Y: 1, Z: 1}, 10)
	require.NoError(t, err)

	_, err = NewVascularGrowth(DefaultGrowthParams()).Run(h.ctx, cell)
	assert.ErrorIs(t, err, ErrWrongKind)

	p := DefaultGrowthParams()
	p.Substance = diffusion.SubstanceID(7)
	v := h.sprout(t, geom.Vec{X: 5, Y: 5, Z: 5}, p)
	_, err = v.Behaviors[0].Run(h.ctx, v)
	assert.ErrorIs(t, err, ErrNoSubstance)

	_, err = NewTumourGrowth(12, 200).Run(h.ctx, v)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestSecretion(t *testing.T) {
	pos := geom.Vec{X: 10.5, Y: 10.5, Z: 10.5}

	t.Run("injects with no vessel nearby", func(t *testing.T) {
		h := newHarness(t, entropy.NewSequence(0))
		cell, err := h.ctx.Spawner.Cell(pos, 10, NewSecretion(diffusion.VEGF, 16, 1))
		require.NoError(t, err)

		before := h.field.Sample(pos)
		out, err := cell.Behaviors[0].Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, Keep, out)
		assert.InDelta(t, before+1, h.field.Sample(pos), 1e-12)
		assert.Equal(t, 1, h.ctx.Tally.Secretions)
	})

	t.Run("suppressed by a vessel inside the radius", func(t *testing.T) {
		h := newHarness(t, entropy.NewSequence(0))
		h.pop.Add(&Agent{ID: 99, Kind: KindVessel, Position: geom.Vec{X: 10.5, Y: 10.5, Z: 14.4}})
		h.pop.Commit()
		cell, err := h.ctx.Spawner.Cell(pos, 10, NewSecretion(diffusion.VEGF, 16, 1))
		require.NoError(t, err)

		_, err = cell.Behaviors[0].Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, 0.0, h.field.Mass())
		assert.Equal(t, 1, h.ctx.Tally.Suppressed)
	})

	t.Run("radius is strict", func(t *testing.T) {
		h := newHarness(t, entropy.NewSequence(0))
		h.pop.Add(&Agent{ID: 99, Kind: KindVessel, Position: geom.Vec{X: 10.5, Y: 10.5, Z: 14.5}})
		h.pop.Commit()
		cell, err := h.ctx.Spawner.Cell(pos, 10, NewSecretion(diffusion.VEGF, 16, 1))
		require.NoError(t, err)

		_, err = cell.Behaviors[0].Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, 1.0, h.field.Mass())
	})

	t.Run("sees vessels created earlier in the same step", func(t *testing.T) {
		h := newHarness(t, entropy.NewSequence(0))
		h.pop.Add(&Agent{ID: 99, Kind: KindVessel, Position: pos})
		require.Equal(t, 1, h.pop.Pending())
		cell, err := h.ctx.Spawner.Cell(pos, 10, NewSecretion(diffusion.VEGF, 16, 1))
		require.NoError(t, err)

		_, err = cell.Behaviors[0].Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, 0.0, h.field.Mass())
	})

	t.Run("cells do not suppress", func(t *testing.T) {
		h := newHarness(t, entropy.NewSequence(0))
		h.pop.Add(&Agent{ID: 99, Kind: KindCell, Position: pos})
		h.pop.Commit()
		cell, err := h.ctx.Spawner.Cell(pos, 10, NewSecretion(diffusion.VEGF, 16, 1))
		require.NoError(t, err)

		_, err = cell.Behaviors[0].Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, 1.0, h.field.Mass())
	})
}

func TestTumourGrowthThenDivision(t *testing.T) {
	h := newHarness(t, entropy.NewSequence(0))
	grow := NewTumourGrowth(12, 200)
	cell, err := h.ctx.Spawner.Cell(geom.Vec{X: 10, Y: 10}, 10, NewSecretion(diffusion.VEGF, 16, 1), grow)
	require.NoError(t, err)
	v0 := cell.Volume

	for i := 0; i < 2; i++ {
		out, err := grow.Run(h.ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, Keep, out)
	}
	assert.Equal(t, 2, h.ctx.Tally.Growths)
	assert.InDelta(t, v0+400, cell.Volume, 1e-9)
	assert.Greater(t, cell.Diameter, 12.0)
	assert.Zero(t, h.pop.Pending())

	_, err = grow.Run(h.ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ctx.Tally.Divisions)
	assert.InDelta(t, (v0+400)/2, cell.Volume, 1e-9)
	assert.Equal(t, 1, cell.Divisions)

	require.Equal(t, 1, h.pop.Pending())
	h.pop.Commit()
	daughter := h.pop.Snapshot()[0]
	assert.Equal(t, KindCell, daughter.Kind)
	assert.InDelta(t, cell.Volume, daughter.Volume, 1e-9)
	assert.InDelta(t, cell.Diameter/2, r3.Norm(r3.Sub(daughter.Position, cell.Position)), 1e-9)
	assert.Equal(t, []string{"secretion", "tumour_growth"}, daughter.BehaviorNames())
	assert.NotSame(t, grow, daughter.Behaviors[1])
}

func TestSphereVolumeRoundTrip(t *testing.T) {
	for _, d := range []float64{0.5, 1, 10, 12.3} {
		assert.InDelta(t, d, SphereDiameter(SphereVolume(d)), 1e-9)
	}
}
