// Package maybe provides a container for optional values.
package maybe

import "fmt"

// Value is an optional value. Zero value is an unset value.
type Value[T any] struct {
	v   T
	set bool
}

// New creates a set value.
func New[T any](v T) Value[T] {
	return Value[T]{v: v, set: true}
}

// FromPtr creates a value from a pointer, which is unset when the pointer is nil.
func FromPtr[T any](v *T) Value[T] {
	if v == nil {
		return Value[T]{}
	}
	return New(*v)
}

// IsSet reports whether the value is set.
func (m Value[T]) IsSet() bool {
	return m.set
}

// Value returns the underlying value, or the zero value if unset.
func (m Value[T]) Value() T {
	return m.v
}

// Get returns the underlying value and whether it's set.
func (m Value[T]) Get() (T, bool) {
	return m.v, m.set
}

// ValueOr returns the underlying value, or def if unset.
func (m Value[T]) ValueOr(def T) T {
	if !m.set {
		return def
	}
	return m.v
}

// Any returns the value as an interface, or nil if unset.
func (m Value[T]) Any() any {
	if !m.set {
		return nil
	}
	return m.v
}

func (m Value[T]) String() string {
	if !m.set {
		return "<unset>"
	}
	return fmt.Sprint(m.v)
}

// AnySlice returns the underlying slice as an interface, or nil if unset.
func AnySlice[T any](m Value[[]T]) any {
	if !m.set {
		return nil
	}
	return m.v
}
