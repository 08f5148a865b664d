// Package taskgraph describes a directed acyclic graph of named tasks. A
// node's function runs once all of its dependencies have completed, whether
// they succeeded or not, and receives their outcomes.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSkipped is returned by a node that had nothing to do because an
	// upstream condition was not met. It is not a failure.
	ErrSkipped     = errors.New("skipped")
	ErrDuplicateID = errors.New("duplicate node id")
	ErrUnknownDep  = errors.New("unknown dependency")
)

type Func func(ctx context.Context, in Inputs) (any, error)

type Outcome struct {
	Value any
	Err   error
}

func (o Outcome) Skipped() bool {
	return errors.Is(o.Err, ErrSkipped)
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Inputs holds the outcomes of a node's dependencies keyed by node id.
type Inputs map[string]Outcome

// Value returns the successful result of dependency id as a T.
func Value[T any](in Inputs, id string) (T, error) {
	var zero T
	o, ok := in[id]
	if !ok {
		return zero, fmt.Errorf("%s: %w", id, ErrUnknownDep)
	}
	if o.Err != nil {
		return zero, o.Err
	}
	v, ok := o.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", id, o.Value)
	}
	return v, nil
}

type Node struct {
	ID   string
	Deps []string
	fn   Func
}

func (n *Node) Run(ctx context.Context, in Inputs) (any, error) {
	return n.fn(ctx, in)
}

// Graph is built once and then only read. Dependencies must be added before
// their dependents, so insertion order is a topological order and cycles
// cannot be expressed.
type Graph struct {
	nodes map[string]*Node
	order []string
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

func (g *Graph) Add(id string, fn Func, deps ...string) error {
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%s: %w", id, ErrDuplicateID)
	}
	for _, d := range deps {
		if _, ok := g.nodes[d]; !ok {
			return fmt.Errorf("%s depends on %s: %w", id, d, ErrUnknownDep)
		}
	}
	g.nodes[id] = &Node{ID: id, Deps: append([]string(nil), deps...), fn: fn}
	g.order = append(g.order, id)
	return nil
}

// MustAdd is Add for graphs assembled from fixed ids.
func (g *Graph) MustAdd(id string, fn Func, deps ...string) {
	if err := g.Add(id, fn, deps...); err != nil {
		panic(err)
	}
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	res := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		res = append(res, g.nodes[id])
	}
	return res
}

func (g *Graph) Len() int {
	return len(g.order)
}
