package agents

import "github.com/talgya/angiogenesis/internal/geom"

// AnyWithin reports whether any agent of kind k lies strictly closer than
// sqrt(r2) to pos. The scan is brute force over the whole population,
// including agents queued earlier in the current step.
func AnyWithin(p *Population, pos geom.Vec, r2 float64, k Kind) bool {
	found := false
	p.ForEach(func(a *Agent) bool {
		if a.Kind == k && geom.Dist2(a.Position, pos) < r2 {
			found = true
			return false
		}
		return true
	})
	return found
}
