package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/google/uuid"

	"github.com/talgya/angiogenesis/internal/agents"
	"github.com/talgya/angiogenesis/internal/config"
	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/entropy"
	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// ErrStateMismatch is returned when a stored run does not fit the
// configuration it is resumed with.
var ErrStateMismatch = errors.New("engine: stored run does not match configuration")

// State is everything needed to resume a run.
type State struct {
	RunID    string
	Seed     int64
	Tick     uint64
	Segments []vessel.Segment
	Growing  map[vessel.SegmentID]bool // Segments that still carry a growth behavior
	Cells    []agents.Agent
	Fields   map[string][]float64 // Voxel values by substance name
	Totals   agents.Tally
}

// GrowthParams converts the growth section of cfg.
func GrowthParams(cfg *config.Config) agents.GrowthParams {
	g := cfg.Growth
	return agents.GrowthParams{
		Substance:              diffusion.VEGF,
		StepLength:             g.StepLength,
		BranchThreshold:        g.BranchThreshold,
		BranchSensitivity:      g.BranchSensitivity,
		BifurcationThreshold:   g.BifurcationThreshold,
		BifurcationSensitivity: g.BifurcationSensitivity,
		Saturation:             g.Saturation,
		BranchDiameter:         g.BranchDiameter,
		DaughterDiameterRatio:  g.DaughterDiameterRatio,
		Persistence:            g.Persistence,
		Chemotaxis:             g.Chemotaxis,
		Noise:                  g.Noise,
		BifurcationSpread:      g.BifurcationSpread,
	}
}

// newRegistry builds the VEGF grid described by cfg, without initial
// values.
func newRegistry(cfg *config.Config) (*diffusion.Registry, *diffusion.Grid, error) {
	workers := cfg.Run.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	grid, err := diffusion.NewGrid(diffusion.GridConfig{
		Min:       cfg.Domain.Min.Vec(),
		Max:       cfg.Domain.Max.Vec(),
		VoxelSize: cfg.Domain.VoxelSize,
		Diffusion: cfg.Substance.Diffusion,
		Decay:     cfg.Substance.Decay,
		Workers:   workers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build grid: %w", err)
	}
	reg := diffusion.NewRegistry()
	if err := reg.Define(diffusion.VEGF, cfg.Substance.Name, grid); err != nil {
		return nil, nil, err
	}
	return reg, grid, nil
}

func cellBehaviors(cfg *config.Config) []agents.Behavior {
	return []agents.Behavior{
		agents.NewSecretion(diffusion.VEGF, cfg.Secretion.Radius2, cfg.Secretion.Amount),
		agents.NewTumourGrowth(cfg.Tumour.SplitDiameter, cfg.Tumour.VolumeIncrement),
	}
}

// BuildScenario creates a fresh run from cfg: the field with its initial
// profile, a branchable trunk whose segments all carry a growth behavior,
// and the secreting tumour cells.
func BuildScenario(cfg *config.Config) (*Simulation, error) {
	reg, grid, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	rnd := entropy.NewSource(cfg.Run.Seed)
	init, err := cfg.Substance.Initializer(rnd.Seed())
	if err != nil {
		return nil, err
	}
	grid.Initialize(init)

	tree := vessel.NewTree()
	pop := agents.NewPopulation()
	sim, err := NewSimulation(reg, tree, pop, agents.NewSpawner(), rnd, cfg.Run.DT)
	if err != nil {
		return nil, err
	}
	sim.RunID = uuid.NewString()
	sim.Seed = rnd.Seed()

	if err := sim.layTrunk(cfg); err != nil {
		return nil, err
	}
	t := cfg.Tumour
	for i := 0; i < t.Cells; i++ {
		pos := t.Position.Vec()
		pos.X += float64(i) * t.Spacing
		cell, err := sim.Spawner.Cell(pos, t.Diameter, cellBehaviors(cfg)...)
		if err != nil {
			return nil, err
		}
		pop.Add(cell)
	}
	pop.Commit()
	sim.updateStats()

	slog.Info("scenario built",
		"run_id", sim.RunID,
		"seed", rnd.Seed(),
		"segments", tree.Len(),
		"cells", pop.Count(agents.KindCell),
		"field_mass", grid.Mass(),
	)
	return sim, nil
}

// layTrunk grows the initial vessel, bending its heading by Bend in y per
// segment.
func (s *Simulation) layTrunk(cfg *config.Config) error {
	tr := cfg.Trunk
	if tr.Segments == 0 {
		return nil
	}
	params := GrowthParams(cfg)
	heading := func(i int) geom.Vec {
		d := tr.Direction.Vec()
		d.Y += float64(i) * tr.Bend
		return d
	}

	id, err := s.Tree.AddRoot(tr.Start.Vec(), heading(0), tr.Length, tr.Diameter, true)
	if err != nil {
		return fmt.Errorf("lay trunk: %w", err)
	}
	ids := []vessel.SegmentID{id}
	for i := 1; i < tr.Segments; i++ {
		if id, err = s.Tree.Elongate(id, heading(i), tr.Length); err != nil {
			return fmt.Errorf("lay trunk: %w", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		a, err := s.Spawner.Vessel(s.Tree, id, agents.NewVascularGrowth(params))
		if err != nil {
			return err
		}
		s.Population.Add(a)
	}
	return nil
}

// Restore rebuilds a run from a stored state. The random stream is
// reseeded from the stored seed and tick, so a resumed run is reproducible
// but does not replay the draws of an uninterrupted one.
func Restore(cfg *config.Config, st State) (*Simulation, error) {
	reg, grid, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if vals, ok := st.Fields[cfg.Substance.Name]; ok {
		if err := grid.SetValues(vals); err != nil {
			return nil, err
		}
	} else if len(st.Fields) > 0 {
		return nil, fmt.Errorf("%w: no stored field for %q", ErrStateMismatch, cfg.Substance.Name)
	}

	tree := vessel.NewTree()
	if err := tree.Restore(st.Segments); err != nil {
		return nil, err
	}
	rnd := entropy.NewSource(st.Seed).Fork(int64(st.Tick))
	sim, err := NewSimulation(reg, tree, agents.NewPopulation(), agents.NewSpawner(), rnd, cfg.Run.DT)
	if err != nil {
		return nil, err
	}
	sim.RunID = st.RunID
	sim.Seed = st.Seed
	sim.LastTick = st.Tick
	sim.Totals = st.Totals

	params := GrowthParams(cfg)
	for _, seg := range st.Segments {
		var bs []agents.Behavior
		if st.Growing[seg.ID] {
			bs = append(bs, agents.NewVascularGrowth(params))
		}
		a, err := sim.Spawner.Vessel(tree, seg.ID, bs...)
		if err != nil {
			return nil, err
		}
		sim.Population.Add(a)
	}
	for _, c := range st.Cells {
		cell, err := sim.Spawner.Cell(c.Position, c.Diameter, cellBehaviors(cfg)...)
		if err != nil {
			return nil, err
		}
		cell.Volume = c.Volume
		cell.Divisions = c.Divisions
		sim.Population.Add(cell)
	}
	sim.Population.Commit()
	sim.updateStats()

	slog.Info("run restored",
		"run_id", sim.RunID,
		"tick", sim.LastTick,
		"segments", tree.Len(),
		"cells", sim.Stats.Cells,
	)
	return sim, nil
}

// Export captures the state needed to resume the run.
func (s *Simulation) Export() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		RunID:    s.RunID,
		Seed:     s.Seed,
		Tick:     s.LastTick,
		Segments: s.Tree.Segments(),
		Growing:  s.growing(),
		Fields:   make(map[string][]float64),
		Totals:   s.Totals,
	}
	for _, a := range s.Population.Snapshot() {
		if a.Kind == agents.KindCell {
			c := *a
			c.Behaviors = nil
			st.Cells = append(st.Cells, c)
		}
	}
	_ = s.Substances.Each(func(id diffusion.SubstanceID, g *diffusion.Grid) error {
		st.Fields[s.Substances.Name(id)] = g.Values()
		return nil
	})
	return st
}
