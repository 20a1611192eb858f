package durable

import (
	"fmt"
	"sort"
	"strings"
)

// Graph indexes a workflow's steps by name and resolves their dependency
// edges once, so the ready set can be recomputed cheaply at every batch
// barrier. The graph holds pointers to the workflow's steps and reads their
// current status on every query.
type Graph struct {
	steps      []*Step
	index      map[string]int
	deps       [][]int
	dependents [][]int
	missing    map[string][]string
}

// NewGraph builds the dependency graph for the given steps. Dependency names
// that match no step are recorded as missing rather than rejected.
func NewGraph(steps []*Step) *Graph {
	g := &Graph{
		steps:      steps,
		index:      make(map[string]int, len(steps)),
		deps:       make([][]int, len(steps)),
		dependents: make([][]int, len(steps)),
		missing:    map[string][]string{},
	}
	for i, s := range steps {
		if _, exists := g.index[s.Name]; !exists {
			g.index[s.Name] = i
		}
	}
	for i, s := range steps {
		for _, name := range s.DependsOn {
			j, ok := g.index[name]
			if !ok {
				g.missing[s.Name] = append(g.missing[s.Name], name)
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	return g
}

// Ready returns the pending steps whose dependencies have all completed, in
// declaration order. A step with an unresolved dependency is never ready.
func (g *Graph) Ready() []*Step {
	var ready []*Step
	for i, s := range g.steps {
		if s.Status != StepPending {
			continue
		}
		if _, bad := g.missing[s.Name]; bad {
			continue
		}
		if g.depsCompleted(i) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (g *Graph) depsCompleted(i int) bool {
	for _, j := range g.deps[i] {
		if g.steps[j].Status != StepCompleted {
			return false
		}
	}
	return true
}

// Missing returns, per step name, the dependency names that match no step.
func (g *Graph) Missing() map[string][]string {
	out := make(map[string][]string, len(g.missing))
	for k, v := range g.missing {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Cycle returns the names of the steps forming a dependency cycle, in
// dependency order, or nil if the graph is acyclic.
func (g *Graph) Cycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.steps))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		stack = append(stack, i)
		for _, j := range g.deps[i] {
			switch state[j] {
			case visiting:
				start := len(stack) - 1
				for stack[start] != j {
					start--
				}
				for _, k := range stack[start:] {
					cycle = append(cycle, g.steps[k].Name)
				}
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}
	for i := range g.steps {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

// Sinks returns the steps no other step depends on, in declaration order.
func (g *Graph) Sinks() []*Step {
	var sinks []*Step
	for i, s := range g.steps {
		if len(g.dependents[i]) == 0 {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// Dependents returns the names of all steps that transitively depend on the
// named step, in declaration order.
func (g *Graph) Dependents(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}
	seen := map[int]bool{}
	queue := append([]int(nil), g.dependents[start]...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if seen[i] {
			continue
		}
		seen[i] = true
		queue = append(queue, g.dependents[i]...)
	}
	idx := make([]int, 0, len(seen))
	for i := range seen {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	names := make([]string, len(idx))
	for n, i := range idx {
		names[n] = g.steps[i].Name
	}
	return names
}

// Plan is a snapshot of the graph taken at a batch barrier.
type Plan struct {
	Ready      []*Step
	Waiting    []*Step
	Failed     []*Step
	InProgress []*Step
	Blocked    []string
	Missing    map[string][]string
	Cycle      []string
	Complete   bool
}

// Analyze classifies every step by its current status.
func (g *Graph) Analyze() Plan {
	p := Plan{
		Ready:    g.Ready(),
		Missing:  g.Missing(),
		Cycle:    g.Cycle(),
		Complete: true,
	}
	ready := make(map[*Step]bool, len(p.Ready))
	for _, s := range p.Ready {
		ready[s] = true
	}
	for _, s := range g.steps {
		if s.Status != StepCompleted {
			p.Complete = false
		}
		switch s.Status {
		case StepWaiting:
			p.Waiting = append(p.Waiting, s)
		case StepFailed:
			p.Failed = append(p.Failed, s)
		case StepInProgress:
			p.InProgress = append(p.InProgress, s)
		case StepPending:
			if !ready[s] {
				p.Blocked = append(p.Blocked, s.Name)
			}
		}
	}
	return p
}

// Deadlocked reports whether the graph can make no further progress: work
// remains but no step is ready, running, waiting on a human or failed. Steps
// outside a cycle or an unresolved dependency still run first.
func (p Plan) Deadlocked() bool {
	return !p.Complete &&
		len(p.Ready) == 0 &&
		len(p.Waiting) == 0 &&
		len(p.Failed) == 0 &&
		len(p.InProgress) == 0
}

// DeadlockError describes why the graph cannot make progress.
func (p Plan) DeadlockError() *Error {
	var reason string
	switch {
	case len(p.Cycle) > 0:
		reason = fmt.Sprintf("dependency cycle: %s", strings.Join(append(p.Cycle, p.Cycle[0]), " -> "))
	case len(p.Missing) > 0:
		names := make([]string, 0, len(p.Missing))
		for step, deps := range p.Missing {
			names = append(names, fmt.Sprintf("%s -> %s", step, strings.Join(deps, ", ")))
		}
		sort.Strings(names)
		reason = fmt.Sprintf("unresolved dependencies: %s", strings.Join(names, "; "))
	default:
		reason = fmt.Sprintf("no runnable steps; blocked: %s", strings.Join(p.Blocked, ", "))
	}
	err := NewError(ErrorCodeDeadlock, "workflow cannot make progress: "+reason)
	if len(p.Blocked) > 0 {
		err.WithDetail("blocked", append([]string(nil), p.Blocked...))
	}
	if len(p.Missing) > 0 {
		err.WithDetail("missing", p.Missing)
	}
	if len(p.Cycle) > 0 {
		err.WithDetail("cycle", append([]string(nil), p.Cycle...))
	}
	return err
}
