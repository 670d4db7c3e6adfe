package trace

import "reflect"

// Meta is the type metadata a handle keeps even when it is dead: the
// payload's concrete type and, for length-carrying payloads, the length.
//
// For a payload declared as an interface type the concrete type is the
// dynamic type stored in it (the equivalent of a vtable). For slices and
// strings Len is the length. For every other type Len is zero and the type is
// fully described by the static type parameter, so a dead handle needs no
// explicit Meta.
type Meta struct {
	Type reflect.Type
	Len  int
}

// MetaOf returns the metadata of the value v points at.
func MetaOf[T any](v *T) Meta {
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Interface:
		rv := reflect.ValueOf(v).Elem()
		if rv.IsNil() {
			return Meta{Type: t}
		}
		dyn := rv.Elem()
		return Meta{Type: dyn.Type(), Len: lengthOf(dyn)}
	case reflect.Slice, reflect.String:
		return Meta{Type: t, Len: reflect.ValueOf(v).Elem().Len()}
	}
	return Meta{Type: t}
}

// StaticMeta returns the metadata implied by T alone.
func StaticMeta[T any]() Meta {
	return Meta{Type: reflect.TypeFor[T]()}
}

// Size is the number of payload bytes described by m: the element size times
// Len for slices, Len for strings and the type's size otherwise.
func (m Meta) Size() uintptr {
	if m.Type == nil {
		return 0
	}
	switch m.Type.Kind() {
	case reflect.Slice:
		return uintptr(m.Len) * m.Type.Elem().Size()
	case reflect.String:
		return uintptr(m.Len)
	}
	return m.Type.Size()
}

// IsZero reports whether m carries no metadata.
func (m Meta) IsZero() bool {
	return m.Type == nil && m.Len == 0
}

func lengthOf(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Slice, reflect.String, reflect.Array:
		return v.Len()
	}
	return 0
}
