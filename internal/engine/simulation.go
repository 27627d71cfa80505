// Simulation ties the field, the vessel tree and the agent population
// together and advances them one step at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/angiogenesis/internal/agents"
	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/entropy"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// Simulation holds the complete model state.
type Simulation struct {
	mu sync.RWMutex

	RunID      string
	Seed       int64 // Seed the run started from
	Substances *diffusion.Registry
	Tree       *vessel.Tree
	Population *agents.Population
	Spawner    *agents.Spawner
	Rand       *entropy.Source
	DT         float64
	LastTick   uint64 // Most recent tick processed

	// Behavior outcomes of the last step and since the start of the run.
	LastTally agents.Tally
	Totals    agents.Tally

	Stats   SimStats
	Metrics *Metrics // Optional
}

// SimStats is a summary of the model after the most recent step.
type SimStats struct {
	Tick        uint64  `json:"tick"`
	Segments    int     `json:"segments"`
	Tips        int     `json:"tips"`
	Vessels     int     `json:"vessel_agents"`
	Cells       int     `json:"cells"`
	TotalLength float64 `json:"total_length"`
	FieldMass   float64 `json:"field_mass"`
	FieldMax    float64 `json:"field_max"`
}

// NewSimulation assembles a simulation from prepared components. Every
// grid must already accept dt.
func NewSimulation(reg *diffusion.Registry, tree *vessel.Tree, pop *agents.Population,
	spawner *agents.Spawner, rnd *entropy.Source, dt float64) (*Simulation, error) {
	err := reg.Each(func(id diffusion.SubstanceID, g *diffusion.Grid) error {
		if err := g.CheckStep(dt); err != nil {
			return fmt.Errorf("substance %s: %w", reg.Name(id), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s := &Simulation{
		Substances: reg,
		Tree:       tree,
		Population: pop,
		Spawner:    spawner,
		Rand:       rnd,
		DT:         dt,
	}
	s.updateStats()
	return s, nil
}

// CurrentTick returns the most recently processed tick number.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastTick
}

type detachment struct {
	agent    *agents.Agent
	behavior agents.Behavior
}

// Step runs one full step: every committed agent's behaviors in ascending
// ID order, then the commit barrier, then one field update per substance.
// Cancellation is only observed before the step starts so a step is never
// left half applied.
func (s *Simulation) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tick := s.LastTick + 1
	s.Tree.SetTick(tick)

	var tally agents.Tally
	sctx := &agents.StepContext{
		Tick:       tick,
		Substances: s.Substances,
		Tree:       s.Tree,
		Population: s.Population,
		Spawner:    s.Spawner,
		Rand:       s.Rand,
		Tally:      &tally,
	}

	// Behavior phase.
	var detached []detachment
	for _, a := range s.Population.Snapshot() {
		for _, b := range slices.Clone(a.Behaviors) {
			out, err := b.Run(sctx, a)
			if err != nil {
				return fmt.Errorf("tick %d: agent %d %s: %w", tick, a.ID, b.Name(), err)
			}
			if out == agents.Detach {
				detached = append(detached, detachment{a, b})
			}
		}
	}

	// Commit.
	for _, d := range detached {
		d.agent.DetachBehavior(d.behavior)
	}
	added, removed := s.Population.Commit()

	// Field update.
	err := s.Substances.Each(func(id diffusion.SubstanceID, g *diffusion.Grid) error {
		if err := g.Step(s.DT); err != nil {
			return fmt.Errorf("tick %d: substance %s: %w", tick, s.Substances.Name(id), err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.LastTick = tick
	s.LastTally = tally
	s.Totals.Add(tally)
	s.updateStats()

	if s.Metrics != nil {
		s.Metrics.observe(s.Stats, tally, time.Since(start))
	}
	slog.Debug("step",
		"tick", tick,
		"added", added,
		"removed", removed,
		"detached", len(detached),
		"elongations", tally.Elongations,
		"branches", tally.Branches,
		"bifurcations", tally.Bifurcations,
	)
	return nil
}

// updateStats recomputes Stats. Callers hold the write lock.
func (s *Simulation) updateStats() {
	s.Stats = SimStats{
		Tick:        s.LastTick,
		Segments:    s.Tree.Len(),
		Tips:        len(s.Tree.Tips()),
		Vessels:     s.Population.Count(agents.KindVessel),
		Cells:       s.Population.Count(agents.KindCell),
		TotalLength: s.Tree.TotalLength(),
	}
	if g, ok := s.Substances.Get(diffusion.VEGF); ok {
		s.Stats.FieldMass = g.Mass()
		s.Stats.FieldMax = g.Max()
	}
}

// Status returns the current summary.
func (s *Simulation) Status() SimStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats
}

// TotalTally returns the behavior outcomes since the start of the run.
func (s *Simulation) TotalTally() agents.Tally {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Totals
}

// Segments returns the vessel tree, or only its terminal segments.
func (s *Simulation) Segments(tipsOnly bool) []vessel.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !tipsOnly {
		return s.Tree.Segments()
	}
	tips := s.Tree.Tips()
	out := make([]vessel.Segment, 0, len(tips))
	for _, id := range tips {
		seg, err := s.Tree.Get(id)
		if err == nil {
			out = append(out, seg)
		}
	}
	return out
}

// Segment returns one segment of the vessel tree.
func (s *Simulation) Segment(id vessel.SegmentID) (vessel.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Tree.Get(id)
}

// Cells returns copies of the committed tumour cells.
func (s *Simulation) Cells() []agents.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []agents.Agent
	for _, a := range s.Population.Snapshot() {
		if a.Kind == agents.KindCell {
			c := *a
			c.Behaviors = nil
			out = append(out, c)
		}
	}
	return out
}

// FieldSlice returns z-layer k of substance id.
func (s *Simulation) FieldSlice(id diffusion.SubstanceID, k int) ([][]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.Substances.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", agents.ErrNoSubstance, id)
	}
	return g.Slice(k), nil
}

// growing reports which segments still carry a growth behavior.
func (s *Simulation) growing() map[vessel.SegmentID]bool {
	out := make(map[vessel.SegmentID]bool)
	for _, a := range s.Population.Snapshot() {
		if a.Kind != agents.KindVessel {
			continue
		}
		for _, name := range a.BehaviorNames() {
			if name == "vascular_growth" {
				out[a.Segment] = true
			}
		}
	}
	return out
}

// LogReport writes a periodic summary line.
func (s *Simulation) LogReport(tick uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, t := s.Stats, s.Totals

	slog.Info("step report",
		"tick", tick,
		"segments", humanize.Comma(int64(st.Segments)),
		"tips", st.Tips,
		"cells", st.Cells,
		"length", humanize.FormatFloat("#,###.##", st.TotalLength),
		"field_mass", humanize.FormatFloat("#,###.####", st.FieldMass),
		"field_max", humanize.FormatFloat("#.######", st.FieldMax),
		"elongations", t.Elongations,
		"branches", t.Branches,
		"bifurcations", t.Bifurcations,
		"halted", t.Halted,
		"secretions", t.Secretions,
		"suppressed", t.Suppressed,
		"divisions", t.Divisions,
	)
}
