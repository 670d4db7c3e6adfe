package cycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a graph node with an explicit count. count must equal the
// number of edges into it plus its external references.
type fakeNode struct {
	name      string
	count     int64
	destroyed bool
	kids      []*fakeNode
	fail      error
	scratch   Scratch
}

func (n *fakeNode) Scratch() *Scratch { return &n.scratch }

func (n *fakeNode) Snapshot() (int64, uint64, bool) {
	return n.count, uint64(n.count), !n.destroyed
}

func (n *fakeNode) Children(fn func(Node) error) error {
	if n.fail != nil {
		return n.fail
	}
	for _, k := range n.kids {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

type graph map[string]*fakeNode

func newGraph(names ...string) graph {
	g := graph{}
	for _, n := range names {
		g[n] = &fakeNode{name: n}
	}
	return g
}

func (g graph) link(from, to string) {
	g[from].kids = append(g[from].kids, g[to])
	g[to].count++
}

func (g graph) external(name string) {
	g[name].count++
}

func names(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.(*fakeNode).name)
	}
	return out
}

func TestEngine_SimpleCycle(t *testing.T) {
	g := newGraph("a", "b")
	g.link("a", "b")
	g.link("b", "a")

	var e Engine
	res, err := e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(res.Garbage))
	assert.Empty(t, res.Reachable)
	assert.Equal(t, 2, res.Visited)
}

func TestEngine_ExternallyHeldCycle(t *testing.T) {
	g := newGraph("a", "b", "c")
	g.link("a", "b")
	g.link("b", "c")
	g.link("c", "a")
	g.external("b")

	var e Engine
	res, err := e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.Empty(t, res.Garbage)
	assert.Equal(t, []string{"a"}, names(res.Reachable))
	for _, n := range g {
		assert.Equal(t, Black, n.scratch.Color, n.name)
		assert.Equal(t, n.count, n.scratch.Trial, n.name)
	}
}

func TestEngine_PartialCycle(t *testing.T) {
	// a <-> b is garbage; b -> c, and c is held from outside.
	g := newGraph("a", "b", "c")
	g.link("a", "b")
	g.link("b", "a")
	g.link("b", "c")
	g.external("c")

	var e Engine
	res, err := e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(res.Garbage))
	assert.Equal(t, Black, g["c"].scratch.Color)
}

func TestEngine_GarbageHangingOffReachable(t *testing.T) {
	// r is held and points at x; x <-> y is only reachable through r.
	g := newGraph("r", "x", "y")
	g.external("r")
	g.link("r", "x")
	g.link("x", "y")
	g.link("y", "x")

	var e Engine
	res, err := e.Run([]Node{g["x"]})
	require.NoError(t, err)
	assert.Empty(t, res.Garbage)
	assert.Equal(t, Black, g["x"].scratch.Color)
	assert.Equal(t, Black, g["y"].scratch.Color)
}

func TestEngine_SelfLoop(t *testing.T) {
	g := newGraph("s")
	g.link("s", "s")

	var e Engine
	res, err := e.Run([]Node{g["s"]})
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, names(res.Garbage))
}

func TestEngine_DestroyedNodesExcluded(t *testing.T) {
	g := newGraph("a", "b", "d")
	g.link("a", "b")
	g.link("b", "a")
	g.link("a", "d")
	g["d"].destroyed = true

	var e Engine
	res, err := e.Run([]Node{g["a"], g["d"]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(res.Garbage))
	assert.Equal(t, Excluded, g["d"].scratch.Color)
}

func TestEngine_TraceErrorLeavesCountsAlone(t *testing.T) {
	boom := errors.New("boom")
	g := newGraph("a", "b")
	g.link("a", "b")
	g.link("b", "a")
	g["b"].fail = boom

	var e Engine
	_, err := e.Run([]Node{g["a"]})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), g["a"].count)
	assert.Equal(t, int64(1), g["b"].count)
}

func TestEngine_Budget(t *testing.T) {
	g := newGraph("a", "b", "c")
	g.link("a", "b")
	g.link("b", "c")
	g.link("c", "a")

	e := Engine{MaxNodes: 2}
	res, err := e.Run([]Node{g["a"]})
	require.ErrorIs(t, err, ErrTraceBudget)
	assert.Equal(t, 3, res.Visited)

	e.MaxNodes = 0
	res, err = e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.Len(t, res.Garbage, 3)
}

func TestEngine_StaleScratchIgnored(t *testing.T) {
	g := newGraph("a", "b")
	g.link("a", "b")
	g.link("b", "a")
	g.external("a")

	var e Engine
	res, err := e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.Empty(t, res.Garbage)
	first := e.Pass()

	// drop the external reference and run again
	g["a"].count--
	res, err = e.Run([]Node{g["a"]})
	require.NoError(t, err)
	assert.Equal(t, first+1, e.Pass())
	assert.ElementsMatch(t, []string{"a", "b"}, names(res.Garbage))
}

func TestEngine_DuplicateRoots(t *testing.T) {
	g := newGraph("a", "b")
	g.link("a", "b")
	g.link("b", "a")

	var e Engine
	res, err := e.Run([]Node{g["a"], g["b"], g["a"]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(res.Garbage))
	assert.Equal(t, 2, res.Visited)
}

func TestColor_String(t *testing.T) {
	assert.Equal(t, "excluded", Excluded.String())
	assert.Equal(t, "gray", Gray.String())
	assert.Equal(t, "white", White.String())
	assert.Equal(t, "black", Black.String())
	assert.Equal(t, "unknown", Color(42).String())
}
