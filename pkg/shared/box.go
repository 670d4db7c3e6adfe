package shared

import (
	"errors"
	"sync/atomic"

	"cyclegc/pkg/cycle"
	"cyclegc/pkg/trace"
)

var (
	// ErrCountOverflow is the panic value when a strong count would overflow.
	ErrCountOverflow = errors.New("shared: reference count overflow")
	// ErrCountUnderflow is the panic value when a dead count is decremented.
	ErrCountUnderflow = errors.New("shared: reference count underflow")
	// ErrResurrected is the panic value when a handle to an allocation that
	// is being freed is cloned.
	ErrResurrected = errors.New("shared: clone of an allocation being freed")
)

// State word layout: the strong count in the low bits, then the buffered and
// destroyed flags. Keeping all three in one word makes "reached zero" and
// "became buffered" mutually exclusive outcomes of a single CAS.
const (
	countMask    uint64 = 1<<62 - 1
	bufferedBit  uint64 = 1 << 62
	destroyedBit uint64 = 1 << 63
)

type header struct {
	state atomic.Uint64
	// touched holds the epoch of the last pass during which a handle to this
	// allocation was cloned, dropped or moved.
	touched atomic.Uint64
	freed   atomic.Bool
	// scratch is only used by the collector while it holds its pass lock.
	scratch cycle.Scratch
}

func (h *header) increment() {
	n := h.state.Add(1)
	if n&destroyedBit != 0 {
		panic(ErrResurrected)
	}
	if n&countMask == 0 {
		panic(ErrCountOverflow)
	}
}

type dropResult struct {
	count       uint64
	zero        bool // this call made the 1 -> 0 transition
	wasBuffered bool // the allocation was buffered at the zero transition
	buffered    bool // this call set the buffered flag
}

func (h *header) decrement() dropResult {
	for {
		old := h.state.Load()
		cnt := old & countMask
		if cnt == 0 {
			panic(ErrCountUnderflow)
		}
		next := old - 1
		r := dropResult{count: cnt - 1}
		switch {
		case old&destroyedBit != 0:
			// condemned by a sweep; count no longer matters
		case cnt == 1:
			next = (next | destroyedBit) &^ bufferedBit
			r.zero = true
			r.wasBuffered = old&bufferedBit != 0
		case old&bufferedBit == 0:
			next |= bufferedBit
			r.buffered = true
		}
		if h.state.CompareAndSwap(old, next) {
			return r
		}
	}
}

func (h *header) destroyed() bool {
	return h.state.Load()&destroyedBit != 0
}

// allocation is a type-erased box.
type allocation interface {
	cycle.Node
	hdr() *header
	finalize()
	releaseChildren()
	clear()
}

type box[T any] struct {
	header
	col   *Collector
	value T
}

func (b *box[T]) hdr() *header { return &b.header }

func (b *box[T]) Scratch() *cycle.Scratch { return &b.scratch }

func (b *box[T]) Snapshot() (int64, uint64, bool) {
	st := b.state.Load()
	if st&destroyedBit != 0 {
		return 0, st, false
	}
	return int64(st & countMask), st, true
}

func (b *box[T]) Children(fn func(cycle.Node) error) error {
	t := trace.Payload(&b.value)
	if t == nil {
		return nil
	}
	return t.Trace(nodeVisitor(fn))
}

func (b *box[T]) finalize() {
	if f, ok := any(&b.value).(trace.Finalizer); ok {
		f.Finalize()
	}
}

func (b *box[T]) releaseChildren() {
	if t := trace.Payload(&b.value); t != nil {
		_ = t.Trace(releaseVisitor{})
	}
}

func (b *box[T]) clear() {
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	var zero T
	b.value = zero
}

type edge interface {
	trace.Edge
	alloc() allocation
	release()
	kill()
}

type nodeVisitor func(cycle.Node) error

func (f nodeVisitor) Visit(e trace.Edge) error {
	h, ok := e.(edge)
	if !ok {
		return nil
	}
	a := h.alloc()
	if a == nil {
		return nil
	}
	return f(a)
}

type releaseVisitor struct{}

func (releaseVisitor) Visit(e trace.Edge) error {
	h, ok := e.(edge)
	if !ok {
		return nil
	}
	a := h.alloc()
	if a == nil {
		return nil
	}
	if a.hdr().destroyed() {
		h.kill()
		return nil
	}
	h.release()
	return nil
}
