package trace

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// ErrNotPointer is returned by Struct when it is not given a non-nil pointer.
var ErrNotPointer = errors.New("trace: Struct needs a non-nil pointer")

var traceType = reflect.TypeFor[Trace]()

// plans caches, per type, whether a value of that type can own an edge.
var plans sync.Map // reflect.Type -> bool

// Struct traces every field of the value ptr points at, the way a generated
// Trace method would. Fields whose pointer type implements Trace are traced
// through it; nested structs, arrays and slices are walked. Raw pointers, maps,
// channels, funcs and interfaces are not followed. A field tagged `trace:"-"`
// is skipped and its type does not have to be traceable.
//
// Struct does not call ptr's own Trace method, so a payload can implement
// Trace by returning trace.Struct(v, p).
func Struct(v Visitor, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: got %T", ErrNotPointer, ptr)
	}
	return walkFields(v, rv.Elem())
}

func walk(v Visitor, val reflect.Value) error {
	if !needsWalk(val.Type()) {
		return nil
	}
	if !val.CanInterface() {
		val = reflect.NewAt(val.Type(), unsafe.Pointer(val.UnsafeAddr())).Elem()
	}
	if t, ok := val.Addr().Interface().(Trace); ok {
		return t.Trace(v)
	}
	switch val.Kind() {
	case reflect.Struct:
		return walkFields(v, val)
	case reflect.Array, reflect.Slice:
		for i := 0; i < val.Len(); i++ {
			if err := walk(v, val.Index(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkFields(v Visitor, val reflect.Value) error {
	if val.Kind() != reflect.Struct {
		return nil
	}
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Tag.Get("trace") == "-" {
			continue
		}
		if err := walk(v, val.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func needsWalk(t reflect.Type) bool {
	if cached, ok := plans.Load(t); ok {
		return cached.(bool)
	}
	res := computeNeedsWalk(t, map[reflect.Type]bool{})
	plans.Store(t, res)
	return res
}

func computeNeedsWalk(t reflect.Type, inProgress map[reflect.Type]bool) bool {
	if reflect.PointerTo(t).Implements(traceType) {
		return true
	}
	if inProgress[t] {
		// recursive type; a slice of itself can own edges only if some
		// other field does, which the outer call decides
		return false
	}
	inProgress[t] = true
	defer delete(inProgress, t)

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Tag.Get("trace") == "-" {
				continue
			}
			if computeNeedsWalk(f.Type, inProgress) {
				return true
			}
		}
	case reflect.Array, reflect.Slice:
		return computeNeedsWalk(t.Elem(), inProgress)
	}
	return false
}
