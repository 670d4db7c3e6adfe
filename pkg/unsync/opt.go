package unsync

import "cyclegc/pkg/trace"

// Opt is an optional handle. It is exactly a Gc whose dead state means none,
// so it costs nothing over a Gc. A field that pointed into a collected cycle
// reads as none once its owner has been swept.
type Opt[T any] struct {
	gc Gc[T]
}

// None returns an empty Opt.
func None[T any]() Opt[T] {
	return Opt[T]{}
}

// Some moves gc into an Opt. A dead gc gives none.
func Some[T any](gc Gc[T]) Opt[T] {
	return Opt[T]{gc: gc}
}

// IsSome reports whether o holds a live handle.
func (o *Opt[T]) IsSome() bool {
	return !o.gc.IsDead()
}

// IsNone reports whether o is empty.
func (o *Opt[T]) IsNone() bool {
	return o.gc.IsDead()
}

// Gc returns the held handle, or nil when o is none.
func (o *Opt[T]) Gc() *Gc[T] {
	if o.gc.IsDead() {
		return nil
	}
	return &o.gc
}

// Value returns the payload, or nil when o is none.
func (o *Opt[T]) Value() *T {
	return o.gc.Get()
}

// Into moves the handle out, leaving o none. The result is dead when o was
// none.
func (o *Opt[T]) Into() Gc[T] {
	return o.gc.Take()
}

// Clone returns another Opt to the same allocation.
func (o *Opt[T]) Clone() Opt[T] {
	return Opt[T]{gc: o.gc.Clone()}
}

// Drop releases the held handle.
func (o *Opt[T]) Drop() {
	o.gc.Drop()
}

// PtrEq reports whether both refer to the same allocation; two nones are
// equal.
func (o *Opt[T]) PtrEq(other *Opt[T]) bool {
	return o.gc.PtrEq(&other.gc)
}

// RefCount returns the strong count of the held allocation, or 0 for none.
func (o *Opt[T]) RefCount() int {
	return o.gc.RefCount()
}

// Trace reports the held handle when there is one.
func (o *Opt[T]) Trace(v trace.Visitor) error {
	if o.gc.IsDead() {
		return nil
	}
	return o.gc.Trace(v)
}
