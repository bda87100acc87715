package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepFunc is the logic of one step. It returns Continue(output) when done or
// Suspend(spec) to pause for a human decision.
type StepFunc func(ctx context.Context, in Input, em Emitter) (Result, error)

// Step is a named unit of work.
type Step struct {
	Name string
	Run  StepFunc
	// Timeout bounds one invocation; zero uses the executor default.
	Timeout time.Duration
}

// CombineFunc merges the outputs of a parallel group, keyed by sub-step name.
type CombineFunc func(outputs map[string]json.RawMessage) (json.RawMessage, error)

// CombineObject is the default combine rule: a JSON object keyed by sub-step
// name. encoding/json writes map keys sorted, so the result is deterministic.
func CombineObject(outputs map[string]json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(outputs)
}

// Parallel runs its steps concurrently and joins them at a barrier. Steps in
// a group cannot suspend.
type Parallel struct {
	Name    string
	Steps   []Step
	Combine CombineFunc
}

type node struct {
	name  string
	step  *Step
	group *Parallel
}

// Graph is an ordered list of nodes.
type Graph struct {
	name  string
	nodes []node
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns node names in execution order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.name
	}
	return out
}

// GraphBuilder assembles a Graph.
type GraphBuilder struct {
	name  string
	nodes []node
	err   error
}

// NewGraphBuilder starts a graph.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{name: name}
}

// Step appends a single step.
func (b *GraphBuilder) Step(name string, fn StepFunc) *GraphBuilder {
	return b.AddStep(Step{Name: name, Run: fn})
}

// AddStep appends a configured step.
func (b *GraphBuilder) AddStep(s Step) *GraphBuilder {
	st := s
	b.nodes = append(b.nodes, node{name: s.Name, step: &st})
	return b
}

// Parallel appends a fan-out group. A nil combine uses CombineObject.
func (b *GraphBuilder) Parallel(name string, combine CombineFunc, steps ...Step) *GraphBuilder {
	if combine == nil {
		combine = CombineObject
	}
	b.nodes = append(b.nodes, node{name: name, group: &Parallel{Name: name, Steps: steps, Combine: combine}})
	return b
}

// Build validates names and returns the graph.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("graph %s has no nodes", b.name)
	}
	seen := make(map[string]bool)
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("graph %s has an unnamed node", b.name)
		}
		if seen[name] {
			return fmt.Errorf("graph %s has duplicate node %q", b.name, name)
		}
		seen[name] = true
		return nil
	}
	for _, n := range b.nodes {
		if err := claim(n.name); err != nil {
			return nil, err
		}
		if n.step != nil && n.step.Run == nil {
			return nil, fmt.Errorf("step %q has no function", n.name)
		}
		if n.group != nil {
			if len(n.group.Steps) == 0 {
				return nil, fmt.Errorf("parallel group %q is empty", n.name)
			}
			for _, s := range n.group.Steps {
				if err := claim(s.Name); err != nil {
					return nil, err
				}
				if s.Run == nil {
					return nil, fmt.Errorf("step %q has no function", s.Name)
				}
			}
		}
	}
	return &Graph{name: b.name, nodes: b.nodes}, nil
}

// MustBuild is Build that panics; for statically defined graphs.
func (b *GraphBuilder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
