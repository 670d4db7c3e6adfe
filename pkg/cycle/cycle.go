// Package cycle implements trial deletion over a buffered set of candidate
// roots: the mark, scan and white-collection phases shared by the unsync and
// shared collectors.
//
// The engine never touches an allocation's authoritative count. It copies
// the count into the node's Scratch the first time a pass reaches the node
// and does all tentative decrements and restorations on that copy, so an
// aborted pass leaves live counts exactly as they were.
//
// Sweeping is left to the caller: the domains differ in how they claim and
// destroy garbage.
package cycle

import (
	"errors"
	"fmt"
)

// ErrTraceBudget is returned when a pass visits more nodes than allowed.
var ErrTraceBudget = errors.New("cycle: trace budget exceeded")

// Color is the trial-deletion colour of a node within one pass.
type Color uint8

const (
	// Excluded nodes were reached but are already being destroyed; they take
	// no part in the pass.
	Excluded Color = iota
	// Gray nodes have been marked and hold tentatively decremented counts.
	Gray
	// White nodes are unreachable from outside the traced subgraph.
	White
	// Black nodes are reachable and have restored counts.
	Black
)

func (c Color) String() string {
	switch c {
	case Excluded:
		return "excluded"
	case Gray:
		return "gray"
	case White:
		return "white"
	case Black:
		return "black"
	}
	return "unknown"
}

// Scratch is the per-allocation bookkeeping of a pass. It is only valid while
// Pass equals the engine's current pass; stale values are ignored and reset
// the next time a pass reaches the node.
type Scratch struct {
	Pass  uint64
	Trial int64
	Color Color
	// Observed is the domain's state word as read when the pass first reached
	// the node. Domains compare it again before claiming garbage.
	Observed uint64
}

// Node is an allocation as seen by the engine.
type Node interface {
	// Scratch returns the node's pass bookkeeping.
	Scratch() *Scratch
	// Snapshot returns the strong count and the raw state word. ok is false
	// when the allocation is already on the path to being freed.
	Snapshot() (count int64, state uint64, ok bool)
	// Children calls fn for every live child allocation of the same domain
	// the payload reports, in trace order, once per owning edge.
	Children(fn func(Node) error) error
}

// Result is the outcome of one pass.
type Result struct {
	// Garbage holds every node confirmed to be cycle garbage.
	Garbage []Node
	// Reachable holds the roots found to be referenced from outside the
	// traced subgraph.
	Reachable []Node
	// Visited is the number of nodes the pass reached.
	Visited int
}

// Engine runs passes. It keeps the pass counter and is not safe for
// concurrent use; callers serialise passes.
type Engine struct {
	pass uint64
	// MaxNodes bounds the nodes one pass may visit; 0 means unbounded.
	MaxNodes int
}

// Pass returns the number of the most recent pass.
func (e *Engine) Pass() uint64 {
	return e.pass
}

// Run performs mark, scan and white collection over roots.
func (e *Engine) Run(roots []Node) (Result, error) {
	e.pass++
	var res Result

	visited, err := e.mark(roots)
	res.Visited = len(visited)
	if err != nil {
		return res, err
	}
	if err := e.scan(roots); err != nil {
		return res, err
	}

	for _, n := range visited {
		if n.Scratch().Color == White {
			res.Garbage = append(res.Garbage, n)
		}
	}
	for _, r := range roots {
		s := r.Scratch()
		if s.Pass == e.pass && s.Color == Black {
			res.Reachable = append(res.Reachable, r)
		}
	}
	return res, nil
}

// enter initialises n's scratch the first time the current pass reaches it
// and reports whether it did.
func (e *Engine) enter(n Node) bool {
	s := n.Scratch()
	if s.Pass == e.pass {
		return false
	}
	s.Pass = e.pass
	count, state, ok := n.Snapshot()
	if !ok {
		s.Color = Excluded
		s.Trial = 0
		s.Observed = state
		return true
	}
	s.Color = Gray
	s.Trial = count
	s.Observed = state
	return true
}

func (e *Engine) member(n Node) *Scratch {
	s := n.Scratch()
	if s.Pass != e.pass || s.Color == Excluded {
		return nil
	}
	return s
}

// mark reaches every node of the subgraph hanging off roots and subtracts,
// from each node's trial count, one per edge found inside the subgraph.
func (e *Engine) mark(roots []Node) ([]Node, error) {
	var visited, stack []Node
	push := func(n Node) error {
		if !e.enter(n) {
			return nil
		}
		visited = append(visited, n)
		if e.MaxNodes > 0 && len(visited) > e.MaxNodes {
			return fmt.Errorf("%w: more than %d nodes", ErrTraceBudget, e.MaxNodes)
		}
		if n.Scratch().Color == Gray {
			stack = append(stack, n)
		}
		return nil
	}

	for _, r := range roots {
		if err := push(r); err != nil {
			return visited, err
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		err := n.Children(func(c Node) error {
			if err := push(c); err != nil {
				return err
			}
			if s := e.member(c); s != nil {
				s.Trial--
			}
			return nil
		})
		if err != nil {
			return visited, fmt.Errorf("mark: %w", err)
		}
	}
	return visited, nil
}

// scan colours every gray node black when something outside the subgraph
// still refers to it (restoring the counts of everything it reaches), and
// white otherwise.
func (e *Engine) scan(roots []Node) error {
	stack := make([]Node, 0, len(roots))
	for _, r := range roots {
		if s := e.member(r); s != nil && s.Color == Gray {
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s := e.member(n)
		if s == nil || s.Color != Gray {
			continue
		}
		if s.Trial > 0 {
			if err := e.scanBlack(n); err != nil {
				return err
			}
			continue
		}
		s.Color = White
		err := n.Children(func(c Node) error {
			if cs := e.member(c); cs != nil && cs.Color == Gray {
				stack = append(stack, c)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return nil
}

// scanBlack restores the trial counts of everything reachable from n.
func (e *Engine) scanBlack(n Node) error {
	e.member(n).Color = Black
	stack := []Node{n}
	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		err := m.Children(func(c Node) error {
			cs := e.member(c)
			if cs == nil {
				return nil
			}
			cs.Trial++
			if cs.Color != Black {
				cs.Color = Black
				stack = append(stack, c)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return nil
}
