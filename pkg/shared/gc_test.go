package shared

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cyclegc/pkg/config"
	"cyclegc/pkg/cycle"
	"cyclegc/pkg/trace"
)

// node is a shared vertex whose successor list is guarded by mu.
type node struct {
	name  string
	mu    sync.Mutex
	next  []Gc[node]
	freed *atomic.Int64
}

func (n *node) Trace(v trace.Visitor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return trace.Each(v, n.next)
}

func (n *node) Finalize() {
	if n.freed != nil {
		n.freed.Add(1)
	}
}

func (n *node) link(to Gc[node]) {
	n.mu.Lock()
	n.next = append(n.next, to)
	n.mu.Unlock()
}

func newCollector() *Collector {
	return NewCollector(config.CollectorConfig{})
}

func TestGc_NewAndDrop(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	g := New(c, node{name: "a", freed: &freed})
	assert.Equal(t, 1, g.RefCount())
	assert.Equal(t, "a", g.Get().name)

	g.Drop()
	assert.True(t, g.IsDead())
	assert.Equal(t, int64(1), freed.Load())
	assert.Equal(t, int64(1), c.GetStats().ObjectsFreed)
	assert.Zero(t, c.Buffered())
}

func TestGc_CloneAndBuffer(t *testing.T) {
	c := newCollector()
	a := New(c, 1)
	b := a.Clone()
	assert.Equal(t, 2, b.RefCount())
	assert.True(t, a.PtrEq(&b))

	a.Drop()
	assert.Equal(t, 1, c.Buffered())
	b.Drop()
	assert.Zero(t, c.Buffered(), "freeing a buffered allocation removes it from the roots")
}

func TestGc_SimpleCycle(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	a := New(c, node{name: "a", freed: &freed})
	b := New(c, node{name: "b", freed: &freed})
	a.Get().link(b.Clone())
	b.Get().link(a.Clone())
	a.Drop()
	b.Drop()
	assert.Zero(t, freed.Load())

	require.NoError(t, c.Collect())
	assert.Equal(t, int64(2), freed.Load())
	assert.Zero(t, c.Buffered())
	st := c.GetStats()
	assert.Equal(t, int64(2), st.CyclesCollected)
	assert.Equal(t, int64(1), st.Passes)
}

func TestGc_ReachableCycleSurvives(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	a := New(c, node{name: "a", freed: &freed})
	b := New(c, node{name: "b", freed: &freed})
	a.Get().link(b.Clone())
	b.Get().link(a.Clone())
	b.Drop()

	require.NoError(t, c.Collect())
	assert.Zero(t, freed.Load())
	assert.Zero(t, c.Buffered())

	a.Drop()
	require.NoError(t, c.Collect())
	assert.Equal(t, int64(2), freed.Load())
}

func TestGc_PartialCycle(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	kept := New(c, node{name: "kept", freed: &freed})
	a := New(c, node{name: "a", freed: &freed})
	b := New(c, node{name: "b", freed: &freed})
	a.Get().link(b.Clone())
	b.Get().link(a.Clone())
	b.Get().link(kept.Clone())
	a.Drop()
	b.Drop()

	require.NoError(t, c.Collect())
	assert.Equal(t, int64(2), freed.Load())
	assert.Equal(t, 1, kept.RefCount())
	assert.Equal(t, "kept", kept.Get().name)
	kept.Drop()
	assert.Equal(t, int64(3), freed.Load())
}

func TestGc_TraceBudgetDefersPass(t *testing.T) {
	c := NewCollector(config.CollectorConfig{MaxTraceNodes: 1})
	var freed atomic.Int64

	a := New(c, node{name: "a", freed: &freed})
	b := New(c, node{name: "b", freed: &freed})
	a.Get().link(b.Clone())
	b.Get().link(a.Clone())
	a.Drop()
	b.Drop()

	require.ErrorIs(t, c.Collect(), cycle.ErrTraceBudget)
	assert.Zero(t, freed.Load())
	assert.Equal(t, 2, c.Buffered())
	assert.Equal(t, int64(1), c.GetStats().DeferredPasses)
}

func TestGc_DeadMetadata(t *testing.T) {
	c := newCollector()
	g := New(c, "hello")
	edge := g.Clone()
	edge.kill()
	assert.True(t, edge.IsDead())
	assert.Equal(t, 5, edge.Meta().Len)

	d := DeadWith[string](edge.Meta())
	clone := d.Clone()
	assert.Equal(t, uintptr(5), clone.Meta().Size())
	g.Drop()
}

func TestGc_ConcurrentDropFinalizesOnce(t *testing.T) {
	const (
		rounds  = 200
		holders = 8
	)
	c := newCollector()
	var freed atomic.Int64

	for r := 0; r < rounds; r++ {
		g := New(c, node{freed: &freed})
		handles := make([]Gc[node], holders)
		for i := range handles {
			handles[i] = g.Clone()
		}
		g.Drop()

		var eg errgroup.Group
		for i := range handles {
			h := handles[i]
			eg.Go(func() error {
				h.Drop()
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	}
	c.Wait()
	require.NoError(t, c.Collect())
	assert.Equal(t, int64(rounds), freed.Load())
	assert.Equal(t, int64(rounds), c.GetStats().ObjectsFreed)
}

func TestGc_ConcurrentCycleDrops(t *testing.T) {
	const rounds = 100
	c := NewCollector(config.CollectorConfig{Threshold: 16})
	var freed atomic.Int64

	var eg errgroup.Group
	for w := 0; w < 4; w++ {
		eg.Go(func() error {
			for r := 0; r < rounds; r++ {
				a := New(c, node{freed: &freed})
				b := New(c, node{freed: &freed})
				a.Get().link(b.Clone())
				b.Get().link(a.Clone())
				a.Drop()
				b.Drop()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for i := 0; i < 4 && freed.Load() < 4*rounds*2; i++ {
		c.Wait()
		require.NoError(t, c.Collect())
	}
	c.Wait()
	assert.Equal(t, int64(4*rounds*2), freed.Load())
	st := c.GetStats()
	assert.Equal(t, st.ObjectsCreated, st.ObjectsFreed)
}

func TestGc_ConcurrentCloneWhileCollecting(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	a := New(c, node{freed: &freed})
	b := New(c, node{freed: &freed})
	a.Get().link(b.Clone())
	b.Get().link(a.Clone())
	b.Drop()

	var eg errgroup.Group
	stop := make(chan struct{})
	eg.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			h := a.Clone()
			h.Drop()
		}
	})
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Collect())
	}
	close(stop)
	require.NoError(t, eg.Wait())
	assert.Zero(t, freed.Load(), "a held cycle is never collected")

	a.Drop()
	c.Wait()
	require.NoError(t, c.Collect())
	assert.Equal(t, int64(2), freed.Load())
}

func TestGlobal_Singleton(t *testing.T) {
	assert.Same(t, Global(), Global())
}
