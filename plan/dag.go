package plan

import (
	"github.com/aard-labs/aard/core"
)

// Graph is the dependency view over a plan's steps. It shares the plan's
// Step pointers: step statuses drive readiness, and skip marking writes
// straight onto the steps. Selection order is the order steps were
// declared in, so two runs of the same plan dispatch identically.
type Graph struct {
	steps      []*Step
	index      map[string]*Step
	dependents map[string][]string
}

// NewGraph builds the dependency view. Duplicate step ids are rejected;
// unknown dependencies are caught by Validate so a structurally broken
// plan still yields a graph that can report on itself.
func NewGraph(steps []*Step) (*Graph, error) {
	g := &Graph{
		steps:      steps,
		index:      make(map[string]*Step, len(steps)),
		dependents: make(map[string][]string),
	}
	for _, s := range steps {
		if _, ok := g.index[s.StepID]; ok {
			return nil, &core.Error{
				Op:      "plan.NewGraph",
				Kind:    core.KindValidationFailed,
				ID:      s.StepID,
				Message: "duplicate step id",
			}
		}
		g.index[s.StepID] = s
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], s.StepID)
		}
	}
	return g, nil
}

// Validate checks that every dependency names a known step and that the
// graph is acyclic.
func (g *Graph) Validate() error {
	const op = "plan.Graph.Validate"
	for _, s := range g.steps {
		for _, dep := range s.Dependencies {
			if _, ok := g.index[dep]; !ok {
				return &core.Error{
					Op:      op,
					Kind:    core.KindValidationFailed,
					ID:      s.StepID,
					Message: "step depends on unknown step " + dep,
				}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case done:
			return true
		}
		state[id] = visiting
		for _, dep := range g.index[id].Dependencies {
			if !visit(dep) {
				return false
			}
		}
		state[id] = done
		return true
	}
	for _, s := range g.steps {
		if !visit(s.StepID) {
			return &core.Error{
				Op:      op,
				Kind:    core.KindValidationFailed,
				ID:      s.StepID,
				Message: "plan contains a dependency cycle",
			}
		}
	}
	return nil
}

// satisfied reports whether every dependency of the step has succeeded.
func (g *Graph) satisfied(s *Step) bool {
	for _, dep := range s.Dependencies {
		d, ok := g.index[dep]
		if !ok || d.Status != StepSucceeded {
			return false
		}
	}
	return true
}

// Ready returns the dispatchable steps in declaration order: not yet
// started, with every dependency succeeded. Waiting steps are marked
// blocked as a side effect so a persisted plan shows what is stuck
// behind what.
func (g *Graph) Ready() []*Step {
	var ready []*Step
	for _, s := range g.steps {
		if s.Status != StepPending && s.Status != StepBlocked {
			continue
		}
		if g.satisfied(s) {
			ready = append(ready, s)
		} else if s.Status == StepPending {
			s.Status = StepBlocked
		}
	}
	return ready
}

// SkipDependents marks every transitive dependent of the step skipped,
// in declaration order, and returns the steps it changed. Running and
// finished dependents are left alone.
func (g *Graph) SkipDependents(id string) []*Step {
	reach := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependents[id] {
			if reach[dep] {
				continue
			}
			reach[dep] = true
			walk(dep)
		}
	}
	walk(id)

	var skipped []*Step
	for _, s := range g.steps {
		if !reach[s.StepID] {
			continue
		}
		if s.Status == StepPending || s.Status == StepBlocked {
			s.Status = StepSkipped
			skipped = append(skipped, s)
		}
	}
	return skipped
}

// Unfinished returns the steps that are neither terminal nor running,
// in declaration order.
func (g *Graph) Unfinished() []*Step {
	var out []*Step
	for _, s := range g.steps {
		if s.Status == StepPending || s.Status == StepBlocked {
			out = append(out, s)
		}
	}
	return out
}

// Settled reports whether every step has reached a terminal status.
func (g *Graph) Settled() bool {
	for _, s := range g.steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any step failed.
func (g *Graph) Failed() bool {
	for _, s := range g.steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

// Depth layers the graph and returns the longest dependency chain in
// steps. ok is false when the graph cannot be fully layered, which means
// a cycle.
func (g *Graph) Depth() (depth int, ok bool) {
	indegree := make(map[string]int, len(g.steps))
	for _, s := range g.steps {
		indegree[s.StepID] = len(s.Dependencies)
	}

	frontier := make([]string, 0, len(g.steps))
	for _, s := range g.steps {
		if indegree[s.StepID] == 0 {
			frontier = append(frontier, s.StepID)
		}
	}

	processed := 0
	for len(frontier) > 0 {
		depth++
		var next []string
		for _, id := range frontier {
			processed++
			for _, dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	return depth, processed == len(g.steps)
}
