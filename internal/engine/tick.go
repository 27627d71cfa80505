// Package engine provides the step loop that drives a simulation.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stepper advances the simulated system by one step.
type Stepper interface {
	Step(ctx context.Context) error
}

// Engine drives a Stepper forward.
type Engine struct {
	Tick     uint64        // Steps completed; set from the restored run on resume
	Interval time.Duration // Minimum wall time per step; 0 runs flat out

	ReportEvery     uint64 // OnReport cadence in ticks; 0 disables
	CheckpointEvery uint64 // OnCheckpoint cadence in ticks; 0 disables

	// Callbacks, populated during setup. A callback error stops the run.
	OnStep       func(tick uint64)
	OnReport     func(tick uint64)
	OnCheckpoint func(tick uint64) error

	sim     Stepper
	stopped atomic.Bool
}

// NewEngine creates an engine for sim with default settings.
func NewEngine(sim Stepper) *Engine {
	return &Engine{sim: sim}
}

// Run advances up to steps ticks. It returns early, without error, when
// ctx is cancelled or Stop is called; a step or checkpoint error aborts the
// run and is returned.
func (e *Engine) Run(ctx context.Context, steps int) error {
	e.stopped.Store(false)
	slog.Info("simulation engine started", "tick", e.Tick, "steps", steps)

	for i := 0; i < steps; i++ {
		if e.stopped.Load() || ctx.Err() != nil {
			break
		}
		start := time.Now()

		if err := e.step(ctx); err != nil {
			slog.Error("simulation aborted", "tick", e.Tick+1, "error", err)
			return err
		}

		if e.Interval > 0 {
			if wait := e.Interval - time.Since(start); wait > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(wait):
				}
			}
		}
	}

	slog.Info("simulation engine stopped", "tick", e.Tick)
	return nil
}

// Stop requests termination after the current step.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// step advances the simulation by one tick.
func (e *Engine) step(ctx context.Context) error {
	if err := e.sim.Step(ctx); err != nil {
		return err
	}
	e.Tick++

	if e.OnStep != nil {
		e.OnStep(e.Tick)
	}
	if e.ReportEvery > 0 && e.Tick%e.ReportEvery == 0 && e.OnReport != nil {
		e.OnReport(e.Tick)
	}
	if e.CheckpointEvery > 0 && e.Tick%e.CheckpointEvery == 0 && e.OnCheckpoint != nil {
		if err := e.OnCheckpoint(e.Tick); err != nil {
			return err
		}
	}
	return nil
}
