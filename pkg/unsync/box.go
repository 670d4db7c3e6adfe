package unsync

import (
	"errors"
	"math"

	"cyclegc/pkg/cycle"
	"cyclegc/pkg/trace"
)

var (
	// ErrCountOverflow is the panic value when a strong count would overflow.
	ErrCountOverflow = errors.New("unsync: reference count overflow")
	// ErrCountUnderflow is the panic value when a dead count is decremented.
	ErrCountUnderflow = errors.New("unsync: reference count underflow")
	// ErrResurrected is the panic value when a handle to an allocation that a
	// sweep has condemned is cloned.
	ErrResurrected = errors.New("unsync: clone of an allocation being collected")
)

// header is the bookkeeping part of an allocation.
type header struct {
	strong    int
	buffered  bool
	destroyed bool // on the path to being freed; never buffered again
	freed     bool // payload finalized and cleared
	scratch   cycle.Scratch
}

func (h *header) increment() {
	if h.destroyed {
		panic(ErrResurrected)
	}
	if h.strong == math.MaxInt {
		panic(ErrCountOverflow)
	}
	h.strong++
}

// decrement drops one strong reference. It reports the count left and
// whether this call moved the allocation into the buffered state.
func (h *header) decrement() (count int, becameBuffered bool) {
	if h.strong <= 0 {
		panic(ErrCountUnderflow)
	}
	h.strong--
	if h.strong > 0 && !h.buffered && !h.destroyed {
		h.buffered = true
		return h.strong, true
	}
	return h.strong, false
}

// allocation is a type-erased box.
type allocation interface {
	cycle.Node
	hdr() *header
	finalize()
	releaseChildren()
	clear()
}

// box is the heap record backing one value.
type box[T any] struct {
	header
	col   *Collector
	value T
}

func (b *box[T]) hdr() *header { return &b.header }

func (b *box[T]) Scratch() *cycle.Scratch { return &b.scratch }

func (b *box[T]) Snapshot() (int64, uint64, bool) {
	if b.destroyed {
		return 0, 0, false
	}
	return int64(b.strong), uint64(b.strong), true
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
		// releaseVisitor never fails
		_ = t.Trace(releaseVisitor{})
	}
}

func (b *box[T]) clear() {
	var zero T
	b.value = zero
	b.freed = true
}

// edge is implemented by *Gc[T] for every T.
type edge interface {
	trace.Edge
	alloc() allocation
	// release drops the handle and leaves it dead.
	release()
	// kill leaves the handle dead without touching the count, keeping the
	// payload's metadata.
	kill()
}

// nodeVisitor reports the live unsync children of a payload to the engine.
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

// releaseVisitor drops every live child of a payload being freed. Children
// that are themselves condemned are only killed: their own teardown is
// already scheduled.
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
	if a.hdr().destroyed {
		h.kill()
		return nil
	}
	h.release()
	return nil
}
