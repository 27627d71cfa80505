// Package vessel provides the branching vessel network: an arena of
// segments linked by index, and the three topology mutations that grow it
// (elongate, branch, bifurcate).
//
// A Tree is not safe for concurrent mutation; the scheduler mutates it from
// a single goroutine during the behavior phase.
package vessel

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/talgya/angiogenesis/internal/geom"
)

// SegmentID indexes a segment in its Tree.
type SegmentID int32

// None marks an absent parent or child link.
const None SegmentID = -1

// Topology contract violations. These indicate a bug in the caller's state
// machine, not a runtime condition.
var (
	ErrUnknownSegment = errors.New("vessel: unknown segment")
	ErrNotTerminal    = errors.New("vessel: segment is not terminal")
	ErrNotBranchable  = errors.New("vessel: segment cannot branch")
	ErrTerminalBranch = errors.New("vessel: cannot side-branch a terminal segment")
	ErrSideOccupied   = errors.New("vessel: segment already has a side branch")
	ErrDiameter       = errors.New("vessel: child diameter must be positive and smaller than parent")
	ErrLength         = errors.New("vessel: segment length must be positive")
	ErrDirection      = errors.New("vessel: direction must be non-zero")
)

// Segment is one straight piece of vessel from Proximal to Position.
type Segment struct {
	ID        SegmentID
	Parent    SegmentID
	Left      SegmentID // Continuation, or first daughter of a bifurcation
	Right     SegmentID // Side branch, or second daughter of a bifurcation
	Proximal  geom.Vec
	Position  geom.Vec // Distal end; where the segment samples the field
	Direction geom.Vec // Unit vector from Proximal to Position
	Length    float64
	Diameter  float64
	CanBranch bool
	Born      uint64 // Tick the segment was created
}

// Terminal reports whether the segment is a growth tip (has no children).
func (s Segment) Terminal() bool {
	return s.Left == None && s.Right == None
}

// Children returns the ids of the existing children, left first.
func (s Segment) Children() []SegmentID {
	var out []SegmentID
	if s.Left != None {
		out = append(out, s.Left)
	}
	if s.Right != None {
		out = append(out, s.Right)
	}
	return out
}

// Tree is an arena of segments. Segment ids are dense and stable.
type Tree struct {
	segs []Segment
	tick uint64
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// SetTick sets the tick stamped on segments created from now on.
func (t *Tree) SetTick(tick uint64) { t.tick = tick }

// Len returns the number of segments.
func (t *Tree) Len() int { return len(t.segs) }

// Get returns a copy of segment id.
func (t *Tree) Get(id SegmentID) (Segment, error) {
	if id < 0 || int(id) >= len(t.segs) {
		return Segment{}, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	return t.segs[id], nil
}

// Segments returns a copy of every segment in id order.
func (t *Tree) Segments() []Segment {
	out := make([]Segment, len(t.segs))
	copy(out, t.segs)
	return out
}

// Tips returns the ids of all terminal segments.
func (t *Tree) Tips() []SegmentID {
	var out []SegmentID
	for _, s := range t.segs {
		if s.Terminal() {
			out = append(out, s.ID)
		}
	}
	return out
}

// AddRoot creates a parentless segment from start along dir.
func (t *Tree) AddRoot(start, dir geom.Vec, length, diameter float64, canBranch bool) (SegmentID, error) {
	if diameter <= 0 {
		return None, fmt.Errorf("%w: %g", ErrDiameter, diameter)
	}
	return t.add(None, start, dir, length, diameter, canBranch)
}

func (t *Tree) add(parent SegmentID, start, dir geom.Vec, length, diameter float64, canBranch bool) (SegmentID, error) {
	if !(length > 0) {
		return None, fmt.Errorf("%w: %g", ErrLength, length)
	}
	u := geom.Unit(dir)
	if geom.IsZero(u) {
		return None, ErrDirection
	}
	id := SegmentID(len(t.segs))
	t.segs = append(t.segs, Segment{
		ID:        id,
		Parent:    parent,
		Left:      None,
		Right:     None,
		Proximal:  start,
		Position:  r3.Add(start, r3.Scale(length, u)),
		Direction: u,
		Length:    length,
		Diameter:  diameter,
		CanBranch: canBranch,
		Born:      t.tick,
	})
	return id, nil
}

func (t *Tree) ref(id SegmentID) (*Segment, error) {
	if id < 0 || int(id) >= len(t.segs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	return &t.segs[id], nil
}

// Elongate appends a new terminal segment of the given length beyond the
// terminal segment id, heading along dir. The new segment inherits the
// parent's diameter and branching flag.
func (t *Tree) Elongate(id SegmentID, dir geom.Vec, length float64) (SegmentID, error) {
	s, err := t.ref(id)
	if err != nil {
		return None, err
	}
	if !s.Terminal() {
		return None, fmt.Errorf("elongate %d: %w", id, ErrNotTerminal)
	}
	start, diameter, canBranch := s.Position, s.Diameter, s.CanBranch

	child, err := t.add(id, start, dir, length, diameter, canBranch)
	if err != nil {
		return None, fmt.Errorf("elongate %d: %w", id, err)
	}
	t.segs[id].Left = child
	return child, nil
}

// Branch grows a non-branchable side segment off the trunk point id. The
// trunk point must be branchable, already continued by a distal segment,
// and free of a previous side branch.
func (t *Tree) Branch(id SegmentID, dir geom.Vec, length, diameter float64) (SegmentID, error) {
	s, err := t.ref(id)
	if err != nil {
		return None, err
	}
	switch {
	case !s.CanBranch:
		return None, fmt.Errorf("branch %d: %w", id, ErrNotBranchable)
	case s.Terminal():
		return None, fmt.Errorf("branch %d: %w", id, ErrTerminalBranch)
	case s.Right != None:
		return None, fmt.Errorf("branch %d: %w", id, ErrSideOccupied)
	case !(diameter > 0) || diameter >= s.Diameter:
		return None, fmt.Errorf("branch %d: %w: %g vs parent %g", id, ErrDiameter, diameter, s.Diameter)
	}
	start := s.Position

	child, err := t.add(id, start, dir, length, diameter, false)
	if err != nil {
		return None, fmt.Errorf("branch %d: %w", id, err)
	}
	t.segs[id].Right = child
	return child, nil
}

// Bifurcate splits the terminal segment id into two daughter tips heading
// along left and right. Daughters get the parent diameter scaled by ratio
// (0 < ratio < 1); the left daughter never branches, the right inherits
// the parent's flag.
func (t *Tree) Bifurcate(id SegmentID, left, right geom.Vec, length, ratio float64) (SegmentID, SegmentID, error) {
	s, err := t.ref(id)
	if err != nil {
		return None, None, err
	}
	if !s.Terminal() {
		return None, None, fmt.Errorf("bifurcate %d: %w", id, ErrNotTerminal)
	}
	if !(ratio > 0 && ratio < 1) {
		return None, None, fmt.Errorf("bifurcate %d: %w: ratio %g", id, ErrDiameter, ratio)
	}
	start, diameter, canBranch := s.Position, s.Diameter*ratio, s.CanBranch

	l, err := t.add(id, start, left, length, diameter, false)
	if err != nil {
		return None, None, fmt.Errorf("bifurcate %d: %w", id, err)
	}
	r, err := t.add(id, start, right, length, diameter, canBranch)
	if err != nil {
		t.segs = t.segs[:l]
		return None, None, fmt.Errorf("bifurcate %d: %w", id, err)
	}
	t.segs[id].Left = l
	t.segs[id].Right = r
	return l, r, nil
}

// PathLength returns the summed length of the segments from id back to its
// root, inclusive.
func (t *Tree) PathLength(id SegmentID) (float64, error) {
	total := 0.0
	for id != None {
		s, err := t.Get(id)
		if err != nil {
			return 0, err
		}
		total += s.Length
		id = s.Parent
	}
	return total, nil
}

// TotalLength returns the summed length of every segment.
func (t *Tree) TotalLength() float64 {
	total := 0.0
	for _, s := range t.segs {
		total += s.Length
	}
	return total
}

// Restore replaces the arena with segs, which must be in id order. Used to
// reload a stored network.
func (t *Tree) Restore(segs []Segment) error {
	for i, s := range segs {
		if s.ID != SegmentID(i) {
			return fmt.Errorf("restore: segment at %d has id %d", i, s.ID)
		}
	}
	t.segs = append(t.segs[:0], segs...)
	return nil
}
