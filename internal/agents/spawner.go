// Agent creation: ID issuance, vessel agents for new segments, tumour
// cells and cell division.
package agents

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// GrowthAngle is the golden angle in degrees. Successive daughters of one
// cell are placed this far apart around the mother.
const GrowthAngle = 137.5077

// Spawner creates agents with unique, monotonically increasing IDs.
type Spawner struct {
	nextID atomic.Uint64
}

// NewSpawner creates a spawner whose first ID is 1.
func NewSpawner() *Spawner {
	s := &Spawner{}
	s.nextID.Store(1)
	return s
}

// SetNextID sets the next agent ID to be issued (used when restoring).
func (s *Spawner) SetNextID(id AgentID) {
	s.nextID.Store(uint64(id))
}

// NextID issues a fresh ID.
func (s *Spawner) NextID() AgentID {
	return AgentID(s.nextID.Add(1) - 1)
}

// Vessel creates the agent that represents segment id of tree.
func (s *Spawner) Vessel(tree *vessel.Tree, id vessel.SegmentID, behaviors ...Behavior) (*Agent, error) {
	seg, err := tree.Get(id)
	if err != nil {
		return nil, err
	}
	return &Agent{
		ID:        s.NextID(),
		Kind:      KindVessel,
		Position:  seg.Position,
		Diameter:  seg.Diameter,
		Segment:   id,
		Behaviors: behaviors,
	}, nil
}

// Cell creates a spherical tumour cell.
func (s *Spawner) Cell(pos geom.Vec, diameter float64, behaviors ...Behavior) (*Agent, error) {
	if !(diameter > 0) {
		return nil, fmt.Errorf("cell diameter must be positive, got %g", diameter)
	}
	return &Agent{
		ID:        s.NextID(),
		Kind:      KindCell,
		Position:  pos,
		Diameter:  diameter,
		Segment:   vessel.None,
		Volume:    SphereVolume(diameter),
		Behaviors: behaviors,
	}, nil
}

// Divide splits mother into two cells of half its volume. The mother keeps
// its position; the daughter sits one new radius away in the xy-plane, at
// the golden angle times the mother's division count. The daughter carries
// clones of the mother's behaviors.
func (s *Spawner) Divide(mother *Agent) (*Agent, error) {
	if mother.Kind != KindCell {
		return nil, fmt.Errorf("divide agent %d: %w", mother.ID, ErrWrongKind)
	}
	half := mother.Volume / 2
	mother.Volume = half
	mother.Diameter = SphereDiameter(half)

	theta := float64(mother.Divisions) * GrowthAngle * math.Pi / 180
	mother.Divisions++
	offset := r3.Scale(mother.Diameter/2, geom.Vec{X: math.Cos(theta), Y: math.Sin(theta)})

	return &Agent{
		ID:        s.NextID(),
		Kind:      KindCell,
		Position:  r3.Add(mother.Position, offset),
		Diameter:  mother.Diameter,
		Segment:   vessel.None,
		Volume:    half,
		Behaviors: mother.cloneBehaviors(),
	}, nil
}
