package spec

import (
	"time"
)

// BlockingDependency is a derived view of why a spec cannot run. It is
// computed on demand and never written back to disk.
type BlockingDependency struct {
	SpecID      string
	Title       string
	Status      Status
	CompletedAt *time.Time
	// IsSibling marks an earlier member of the same driver, blocking by
	// declaration order rather than by an explicit depends_on edge.
	IsSibling bool
}

// Graph answers readiness and blocking questions over a loaded set of
// specs. It holds no state beyond the snapshot it was built from; callers
// rebuild it whenever freshness matters (the scheduler does so before every
// dispatch).
type Graph struct {
	byID map[string]*Spec
	// driverOf maps a member spec ID to its driver spec ID.
	driverOf map[string]string
}

// NewGraph indexes the given specs. Membership is derived from each
// driver's members list in declaration order.
func NewGraph(specs []*Spec) *Graph {
	g := &Graph{
		byID:     make(map[string]*Spec, len(specs)),
		driverOf: make(map[string]string),
	}
	for _, s := range specs {
		g.byID[s.ID] = s
	}
	for _, s := range specs {
		for _, m := range s.Members {
			g.driverOf[m] = s.ID
		}
	}
	return g
}

// Get returns the spec with the given ID.
func (g *Graph) Get(id string) (*Spec, bool) {
	s, ok := g.byID[id]
	return s, ok
}

// DriverOf returns the driver spec a member belongs to, if any.
func (g *Graph) DriverOf(id string) (*Spec, bool) {
	driverID, ok := g.driverOf[id]
	if !ok {
		return nil, false
	}
	driver, ok := g.byID[driverID]
	return driver, ok
}

// priorSiblings returns the members declared before the given spec in its
// driver's members list. Declaration order is the sequencing contract:
// earlier members run first.
func (g *Graph) priorSiblings(id string) []string {
	driver, ok := g.DriverOf(id)
	if !ok {
		return nil
	}
	var prior []string
	for _, m := range driver.Members {
		if m == id {
			break
		}
		prior = append(prior, m)
	}
	return prior
}

// dependenciesOf returns a spec's own depends_on edges followed by its
// driver's, deduplicated in declaration order. Members inherit the driver's
// dependencies so a driver gate holds for the whole group.
func (g *Graph) dependenciesOf(s *Spec) []string {
	deps := make([]string, 0, len(s.DependsOn))
	seen := make(map[string]bool)
	add := func(id string) {
		if id == s.ID || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}
	for _, d := range s.DependsOn {
		add(d)
	}
	if driver, ok := g.DriverOf(s.ID); ok {
		for _, d := range driver.DependsOn {
			add(d)
		}
	}
	return deps
}

// IsBlocked reports whether the spec has an unsatisfied dependency or an
// unsatisfied approval gate. Completed and cancelled specs are never
// blocked: their lifecycle is over.
func (g *Graph) IsBlocked(id string) bool {
	s, ok := g.byID[id]
	if !ok {
		return false
	}
	if s.Status.IsTerminal() {
		return false
	}
	if s.Status == StatusPending && s.RequiresApproval() {
		return true
	}
	for _, dep := range g.dependenciesOf(s) {
		d, found := g.byID[dep]
		if !found || d.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// IsReady reports whether the scheduler may dispatch the spec now:
// it is pending or failed (failed specs are retryable), it is not blocked,
// every earlier sibling in its driver's members list is completed, and, for
// a driver, every member is completed.
func (g *Graph) IsReady(id string) bool {
	s, ok := g.byID[id]
	if !ok {
		return false
	}
	if !s.Status.IsRetryable() {
		return false
	}
	if g.IsBlocked(id) {
		return false
	}
	for _, sib := range g.priorSiblings(id) {
		d, found := g.byID[sib]
		if !found || d.Status != StatusCompleted {
			return false
		}
	}
	if s.IsDriver() && len(g.IncompleteMembers(id)) > 0 {
		return false
	}
	return true
}

// BlockingDependencies returns everything standing between the spec and
// readiness, in declaration order: unmet depends_on edges (a dependency
// that does not exist is reported, not ignored), then incomplete earlier
// siblings tagged IsSibling.
func (g *Graph) BlockingDependencies(id string) []BlockingDependency {
	s, ok := g.byID[id]
	if !ok {
		return nil
	}

	var blocking []BlockingDependency
	for _, dep := range g.dependenciesOf(s) {
		d, found := g.byID[dep]
		if !found {
			blocking = append(blocking, BlockingDependency{
				SpecID: dep,
				Title:  "(not found)",
			})
			continue
		}
		if d.Status != StatusCompleted {
			blocking = append(blocking, BlockingDependency{
				SpecID:      d.ID,
				Title:       d.Title(),
				Status:      d.Status,
				CompletedAt: d.CompletedAt,
			})
		}
	}

	for _, sib := range g.priorSiblings(id) {
		d, found := g.byID[sib]
		if !found {
			blocking = append(blocking, BlockingDependency{
				SpecID:    sib,
				Title:     "(not found)",
				IsSibling: true,
			})
			continue
		}
		if d.Status != StatusCompleted {
			blocking = append(blocking, BlockingDependency{
				SpecID:      d.ID,
				Title:       d.Title(),
				Status:      d.Status,
				CompletedAt: d.CompletedAt,
				IsSibling:   true,
			})
		}
	}

	return blocking
}

// IncompleteMembers returns the members of a driver that are not yet
// completed, in declaration order. Members missing from the graph are
// included: a declared member that does not exist can never complete.
func (g *Graph) IncompleteMembers(driverID string) []string {
	driver, ok := g.byID[driverID]
	if !ok {
		return nil
	}
	var incomplete []string
	for _, m := range driver.Members {
		d, found := g.byID[m]
		if !found || d.Status != StatusCompleted {
			incomplete = append(incomplete, m)
		}
	}
	return incomplete
}

// Ready returns every ready spec in ID-sorted order (the order LoadAll
// produces). The scheduler recomputes this on each free slot.
func (g *Graph) Ready(specs []*Spec) []*Spec {
	var ready []*Spec
	for _, s := range specs {
		if g.IsReady(s.ID) {
			ready = append(ready, s)
		}
	}
	return ready
}
