package agents

import (
	"sort"
	"sync"
)

// Population owns every agent. Additions and removals requested during a
// step are queued and take effect at Commit, so iteration over committed
// agents never sees the container change underneath it.
type Population struct {
	mu       sync.Mutex
	agents   []*Agent // Committed, ascending ID
	index    map[AgentID]*Agent
	pending  []*Agent
	removals map[AgentID]struct{}
}

// NewPopulation returns an empty population.
func NewPopulation() *Population {
	return &Population{
		index:    make(map[AgentID]*Agent),
		removals: make(map[AgentID]struct{}),
	}
}

// Add queues a for insertion at the next Commit. Safe for concurrent use.
func (p *Population) Add(a *Agent) {
	p.mu.Lock()
	p.pending = append(p.pending, a)
	p.mu.Unlock()
}

// Remove queues the agent for removal at the next Commit.
func (p *Population) Remove(id AgentID) {
	p.mu.Lock()
	p.removals[id] = struct{}{}
	p.mu.Unlock()
}

// Commit applies queued insertions and removals and returns their counts.
func (p *Population) Commit() (added, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) > 0 {
		sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].ID < p.pending[j].ID })
		for _, a := range p.pending {
			if _, dup := p.index[a.ID]; dup {
				continue
			}
			p.index[a.ID] = a
			p.agents = append(p.agents, a)
			added++
		}
		p.pending = p.pending[:0]
		// IDs are issued monotonically, but restored agents may arrive in
		// any order.
		if !sort.SliceIsSorted(p.agents, func(i, j int) bool { return p.agents[i].ID < p.agents[j].ID }) {
			sort.Slice(p.agents, func(i, j int) bool { return p.agents[i].ID < p.agents[j].ID })
		}
	}

	if len(p.removals) > 0 {
		kept := p.agents[:0]
		for _, a := range p.agents {
			if _, gone := p.removals[a.ID]; gone {
				delete(p.index, a.ID)
				removed++
				continue
			}
			kept = append(kept, a)
		}
		for i := len(kept); i < len(p.agents); i++ {
			p.agents[i] = nil
		}
		p.agents = kept
		clear(p.removals)
	}
	return added, removed
}

// ForEach calls fn for every committed agent in ID order and then for every
// agent queued so far this step, stopping early when fn returns false.
func (p *Population) ForEach(fn func(a *Agent) bool) {
	p.mu.Lock()
	view := make([]*Agent, 0, len(p.agents)+len(p.pending))
	view = append(view, p.agents...)
	view = append(view, p.pending...)
	p.mu.Unlock()

	for _, a := range view {
		if !fn(a) {
			return
		}
	}
}

// Snapshot returns the committed agents in ID order.
func (p *Population) Snapshot() []*Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// Get returns a committed agent by ID.
func (p *Population) Get(id AgentID) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.index[id]
	return a, ok
}

// Len returns the number of committed agents.
func (p *Population) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Pending returns the number of queued insertions.
func (p *Population) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Count returns the number of committed agents of kind k.
func (p *Population) Count(k Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// MaxID returns the highest committed or pending agent ID, or 0.
func (p *Population) MaxID() AgentID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var m AgentID
	for _, a := range p.agents {
		m = max(m, a.ID)
	}
	for _, a := range p.pending {
		m = max(m, a.ID)
	}
	return m
}
