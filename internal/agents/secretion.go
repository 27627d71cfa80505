package agents

import (
	"fmt"

	"github.com/talgya/angiogenesis/internal/diffusion"
)

// Secretion injects growth factor at the agent's position each step unless
// a vessel is already close enough to take it up.
type Secretion struct {
	Substance diffusion.SubstanceID
	Radius2   float64 // Squared suppression radius
	Amount    float64 // Injected per step

	field *diffusion.Grid
}

// NewSecretion returns a secretion behavior.
func NewSecretion(substance diffusion.SubstanceID, radius2, amount float64) *Secretion {
	return &Secretion{Substance: substance, Radius2: radius2, Amount: amount}
}

// Name implements Behavior.
func (s *Secretion) Name() string { return "secretion" }

// Clone implements Behavior.
func (s *Secretion) Clone() Behavior {
	c := *s
	return &c
}

// Run implements Behavior.
func (s *Secretion) Run(ctx *StepContext, a *Agent) (Outcome, error) {
	field, err := resolveField(ctx, &s.field, s.Substance)
	if err != nil {
		return Detach, err
	}
	if AnyWithin(ctx.Population, a.Position, s.Radius2, KindVessel) {
		ctx.Tally.Suppressed++
		return Keep, nil
	}
	if err := field.Inject(a.Position, s.Amount); err != nil {
		return Keep, fmt.Errorf("secretion by agent %d: %w", a.ID, err)
	}
	ctx.Tally.Secretions++
	return Keep, nil
}
