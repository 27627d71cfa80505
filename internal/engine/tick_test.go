package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStepper struct {
	n      int
	failAt int
	onStep func(n int)
}

func (c *countingStepper) Step(context.Context) error {
	c.n++
	if c.failAt > 0 && c.n == c.failAt {
		return errors.New("boom")
	}
	if c.onStep != nil {
		c.onStep(c.n)
	}
	return nil
}

func TestRunCallbackCadence(t *testing.T) {
	s := &countingStepper{}
	e := NewEngine(s)
	e.ReportEvery = 3
	e.CheckpointEvery = 5

	var steps, reports, checkpoints []uint64
	e.OnStep = func(tick uint64) { steps = append(steps, tick) }
	e.OnReport = func(tick uint64) { reports = append(reports, tick) }
	e.OnCheckpoint = func(tick uint64) error {
		checkpoints = append(checkpoints, tick)
		return nil
	}

	require.NoError(t, e.Run(context.Background(), 10))
	assert.Equal(t, 10, s.n)
	assert.Len(t, steps, 10)
	assert.Equal(t, []uint64{3, 6, 9}, reports)
	assert.Equal(t, []uint64{5, 10}, checkpoints)
	assert.Equal(t, uint64(10), e.Tick)
}

func TestRunContinuesFromTick(t *testing.T) {
	e := NewEngine(&countingStepper{})
	e.Tick = 100
	require.NoError(t, e.Run(context.Background(), 2))
	assert.Equal(t, uint64(102), e.Tick)
}

func TestRunStopsOnStepError(t *testing.T) {
	s := &countingStepper{failAt: 4}
	e := NewEngine(s)
	err := e.Run(context.Background(), 10)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, uint64(3), e.Tick)
}

func TestCheckpointErrorAborts(t *testing.T) {
	e := NewEngine(&countingStepper{})
	e.CheckpointEvery = 2
	e.OnCheckpoint = func(uint64) error { return errors.New("disk full") }
	assert.EqualError(t, e.Run(context.Background(), 10), "disk full")
	assert.Equal(t, uint64(2), e.Tick)
}

func TestStopAndCancel(t *testing.T) {
	var e *Engine
	s := &countingStepper{onStep: func(n int) {
		if n == 3 {
			e.Stop()
		}
	}}
	e = NewEngine(s)
	require.NoError(t, e.Run(context.Background(), 10))
	assert.Equal(t, 3, s.n)

	ctx, cancel := context.WithCancel(context.Background())
	s2 := &countingStepper{onStep: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	require.NoError(t, NewEngine(s2).Run(ctx, 10))
	assert.Equal(t, 2, s2.n)
}

func TestIntervalPacing(t *testing.T) {
	e := NewEngine(&countingStepper{})
	e.Interval = 10 * time.Millisecond
	start := time.Now()
	require.NoError(t, e.Run(context.Background(), 3))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
