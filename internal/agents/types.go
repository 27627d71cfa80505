// Package agents provides the agent model (vessel segments and tumour
// cells), the population container, and the per-step behaviors that grow
// the vessel network, secrete growth factor and grow the tumour.
package agents

import (
	"math"

	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// AgentID is a unique identifier for an agent.
type AgentID uint64

// Kind is the closed set of agent variants.
type Kind uint8

const (
	KindVessel Kind = iota // One vessel segment
	KindCell               // Tumour cell
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindVessel:
		return "vessel"
	case KindCell:
		return "cell"
	default:
		return "unknown"
	}
}

// Agent is one simulated entity with its attached behaviors.
type Agent struct {
	ID       AgentID  `json:"id"`
	Kind     Kind     `json:"kind"`
	Position geom.Vec `json:"position"`
	Diameter float64  `json:"diameter"`

	// Vessel agents only.
	Segment vessel.SegmentID `json:"segment"`

	// Cell agents only.
	Volume    float64 `json:"volume,omitempty"`
	Divisions int     `json:"divisions,omitempty"` // Times this cell has divided

	Behaviors []Behavior `json:"-"`
}

// BehaviorNames lists the attached behaviors in run order.
func (a *Agent) BehaviorNames() []string {
	names := make([]string, len(a.Behaviors))
	for i, b := range a.Behaviors {
		names[i] = b.Name()
	}
	return names
}

// DetachBehavior removes b from the agent's behavior list, keeping order.
func (a *Agent) DetachBehavior(b Behavior) bool {
	for i, x := range a.Behaviors {
		if x == b {
			a.Behaviors = append(a.Behaviors[:i], a.Behaviors[i+1:]...)
			return true
		}
	}
	return false
}

// cloneBehaviors copies every attached behavior for a new agent.
func (a *Agent) cloneBehaviors() []Behavior {
	out := make([]Behavior, len(a.Behaviors))
	for i, b := range a.Behaviors {
		out[i] = b.Clone()
	}
	return out
}

// SphereVolume returns the volume of a sphere of diameter d.
func SphereVolume(d float64) float64 {
	return math.Pi * d * d * d / 6
}

// SphereDiameter returns the diameter of a sphere of volume v.
func SphereDiameter(v float64) float64 {
	return math.Cbrt(6 * v / math.Pi)
}
