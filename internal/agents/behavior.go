// Per-step agent behaviors. Each attached behavior runs once per step and
// reports whether it stays attached; the scheduler applies detachments at
// the commit barrier.
package agents

import (
	"errors"
	"fmt"

	"github.com/talgya/angiogenesis/internal/diffusion"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// Outcome tells the scheduler what to do with a behavior after it ran.
type Outcome uint8

const (
	Keep   Outcome = iota // Run again next step
	Detach                // Finished for good on this agent
)

// ErrNoSubstance is returned when a behavior's substance has no grid.
var ErrNoSubstance = errors.New("agents: substance not defined")

// ErrWrongKind is returned when a behavior runs on an agent kind it does
// not support.
var ErrWrongKind = errors.New("agents: behavior attached to wrong agent kind")

// Random is the uniform source consumed by stochastic behaviors.
type Random interface {
	Uniform(lo, hi float64) float64
}

// Behavior is one unit of per-agent logic. Implementations are the closed
// set VascularGrowth, Secretion and TumourGrowth.
type Behavior interface {
	Name() string
	// Run executes one step for a. Errors are contract violations and
	// abort the simulation.
	Run(ctx *StepContext, a *Agent) (Outcome, error)
	// Clone returns a fresh copy for a newly created agent.
	Clone() Behavior
}

// StepContext is everything a behavior may read or mutate during a step.
type StepContext struct {
	Tick       uint64
	Substances *diffusion.Registry
	Tree       *vessel.Tree
	Population *Population
	Spawner    *Spawner
	Rand       Random
	Tally      *Tally
}

// Tally counts behavior outcomes within one step. The behavior phase is
// single-threaded, so fields are plain integers.
type Tally struct {
	Elongations  int `json:"elongations"`
	Branches     int `json:"branches"`
	BranchMisses int `json:"branch_misses"`
	Bifurcations int `json:"bifurcations"`
	Halted       int `json:"halted"`
	Secretions   int `json:"secretions"`
	Suppressed   int `json:"suppressed"`
	Divisions    int `json:"divisions"`
	Growths      int `json:"growths"`
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Elongations += o.Elongations
	t.Branches += o.Branches
	t.BranchMisses += o.BranchMisses
	t.Bifurcations += o.Bifurcations
	t.Halted += o.Halted
	t.Secretions += o.Secretions
	t.Suppressed += o.Suppressed
	t.Divisions += o.Divisions
	t.Growths += o.Growths
}

// resolveField looks up a substance grid once per behavior.
func resolveField(ctx *StepContext, cached **diffusion.Grid, id diffusion.SubstanceID) (*diffusion.Grid, error) {
	if *cached != nil {
		return *cached, nil
	}
	g, ok := ctx.Substances.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSubstance, id)
	}
	*cached = g
	return g, nil
}
