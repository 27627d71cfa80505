package agents

import "fmt"

// TumourGrowth grows a cell by a fixed volume each step until its diameter
// passes SplitDiameter, then divides it instead.
type TumourGrowth struct {
	SplitDiameter   float64
	VolumeIncrement float64
}

// NewTumourGrowth returns a tumour growth behavior.
func NewTumourGrowth(splitDiameter, volumeIncrement float64) *TumourGrowth {
	return &TumourGrowth{SplitDiameter: splitDiameter, VolumeIncrement: volumeIncrement}
}

// Name implements Behavior.
func (t *TumourGrowth) Name() string { return "tumour_growth" }

// Clone implements Behavior.
func (t *TumourGrowth) Clone() Behavior {
	c := *t
	return &c
}

// Run implements Behavior.
func (t *TumourGrowth) Run(ctx *StepContext, a *Agent) (Outcome, error) {
	if a.Kind != KindCell {
		return Detach, fmt.Errorf("tumour growth on agent %d: %w", a.ID, ErrWrongKind)
	}
	if a.Diameter <= t.SplitDiameter {
		a.Volume += t.VolumeIncrement
		a.Diameter = SphereDiameter(a.Volume)
		ctx.Tally.Growths++
		return Keep, nil
	}

	daughter, err := ctx.Spawner.Divide(a)
	if err != nil {
		return Keep, err
	}
	ctx.Population.Add(daughter)
	ctx.Tally.Divisions++
	return Keep, nil
}
