package shared

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclegc/pkg/config"
	"cyclegc/pkg/trace"
)

// toucher uses a handle to itself from inside Trace, the way another
// goroutine could while a pass is tracing.
type toucher struct {
	self  Gc[toucher]
	touch atomic.Bool
	freed *atomic.Int64
}

func (p *toucher) Trace(v trace.Visitor) error {
	if p.touch.Load() {
		h := p.self.Clone()
		h.Drop()
	}
	return p.self.Trace(v)
}

func (p *toucher) Finalize() { p.freed.Add(1) }

func TestCollector_TouchedGarbageAbortsSweep(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	s := New(c, toucher{freed: &freed})
	s.Get().self = s.Clone()
	s.Get().touch.Store(true)
	p := s.Get()
	s.Drop()

	require.NoError(t, c.Collect())
	assert.Zero(t, freed.Load(), "sweep abandoned")
	assert.Equal(t, int64(1), c.GetStats().AbortedSweeps)
	assert.Equal(t, 1, c.Buffered(), "candidate stays buffered")

	p.touch.Store(false)
	require.NoError(t, c.Collect())
	assert.Equal(t, int64(1), freed.Load())
}

func TestCollector_ThresholdRunsInBackground(t *testing.T) {
	c := NewCollector(config.CollectorConfig{Threshold: 2})
	var freed atomic.Int64

	for i := 0; i < 2; i++ {
		s := New(c, node{freed: &freed})
		s.Get().link(s.Clone())
		s.Drop()
	}
	c.Wait()
	assert.Equal(t, int64(2), freed.Load())
	assert.GreaterOrEqual(t, c.GetStats().Passes, int64(1))
}

func TestCollector_CustomCondition(t *testing.T) {
	c := newCollector()
	var calls atomic.Int64
	c.SetCollectCondition(func(info Info) bool {
		calls.Add(1)
		return false
	})
	g := New(c, 1)
	g.Drop()
	assert.Equal(t, int64(1), calls.Load())

	c.SetCollectCondition(nil)
	assert.True(t, ThresholdCondition(Info{Buffered: 3, Threshold: 3}))
	assert.False(t, ThresholdCondition(Info{Buffered: 3}))
}

func TestCollector_DropDuringPassIsDeferred(t *testing.T) {
	c := newCollector()
	var freed atomic.Int64

	// the pass traces holder, whose Trace drops the last handle to leaf
	leaf := New(c, node{name: "leaf", freed: &freed})
	holder := New(c, dropper{victim: leaf.Clone()})
	leaf.Drop()
	extra := holder.Clone()
	extra.Drop()

	require.NoError(t, c.Collect())
	assert.Equal(t, int64(1), freed.Load())
	assert.Equal(t, int64(1), c.GetStats().ObjectsFreed)
	holder.Drop()
}

type dropper struct {
	victim Gc[node]
}

func (d *dropper) Trace(v trace.Visitor) error {
	victim := d.victim.Take()
	victim.Drop()
	return nil
}
