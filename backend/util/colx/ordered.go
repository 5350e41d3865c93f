package colx

import (
	"iter"
	"slices"

	"github.com/iancoleman/orderedmap"
)

// OrderedMap is a persistent string-keyed map that remembers the insertion order of its keys.
// Modifying methods return a new map, leaving the receiver untouched.
// Zero value is an empty map.
type OrderedMap[K ~string, V comparable] struct {
	// Never modified after construction. Nil when empty.
	om *orderedmap.OrderedMap
}

// NewOrderedMap creates a map from key-value pairs in the given order.
// The slices must have the same length.
func NewOrderedMap[K ~string, V comparable](keys []K, values []V) OrderedMap[K, V] {
	if len(keys) != len(values) {
		panic("BUG: keys and values must have the same length")
	}

	if len(keys) == 0 {
		return OrderedMap[K, V]{}
	}

	om := orderedmap.New()
	for i, k := range keys {
		om.Set(string(k), values[i])
	}
	return OrderedMap[K, V]{om: om}
}

// Len returns the number of entries.
func (m OrderedMap[K, V]) Len() int {
	if m.om == nil {
		return 0
	}
	return len(m.om.Keys())
}

// Get returns the value for key k.
func (m OrderedMap[K, V]) Get(k K) (v V, ok bool) {
	if m.om == nil {
		return v, false
	}
	raw, ok := m.om.Get(string(k))
	if !ok {
		return v, false
	}
	return raw.(V), true
}

// Has checks if key k is present.
func (m OrderedMap[K, V]) Has(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// KeyOf returns the first key, in insertion order, mapped to value v.
func (m OrderedMap[K, V]) KeyOf(v V) (k K, ok bool) {
	for kk, vv := range m.All() {
		if vv == v {
			return kk, true
		}
	}
	return k, false
}

// Keys returns a copy of the keys in insertion order.
func (m OrderedMap[K, V]) Keys() []K {
	if m.om == nil {
		return nil
	}
	keys := m.om.Keys()
	out := make([]K, len(keys))
	for i, k := range keys {
		out[i] = K(k)
	}
	return out
}

// Values returns an iterator over values in key insertion order.
func (m OrderedMap[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range m.All() {
			if !yield(v) {
				return
			}
		}
	}
}

// All returns an iterator over entries in insertion order.
func (m OrderedMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m.om == nil {
			return
		}
		for _, k := range m.om.Keys() {
			v, _ := m.om.Get(k)
			if !yield(K(k), v.(V)) {
				return
			}
		}
	}
}

// clone copies the entries into a new library map, skipping key skip if not empty.
func (m OrderedMap[K, V]) clone(skip string) *orderedmap.OrderedMap {
	out := orderedmap.New()
	if m.om == nil {
		return out
	}
	for _, k := range m.om.Keys() {
		if k == skip {
			continue
		}
		v, _ := m.om.Get(k)
		out.Set(k, v)
	}
	return out
}

// With returns a map with k set to v.
// An existing key keeps its position, a new key goes last.
func (m OrderedMap[K, V]) With(k K, v V) OrderedMap[K, V] {
	om := m.clone("")
	om.Set(string(k), v)
	return OrderedMap[K, V]{om: om}
}

// Without returns a map without key k.
func (m OrderedMap[K, V]) Without(k K) OrderedMap[K, V] {
	if !m.Has(k) {
		return m
	}
	if m.Len() == 1 {
		return OrderedMap[K, V]{}
	}
	return OrderedMap[K, V]{om: m.clone(string(k))}
}

// Equal reports whether both maps have the same entries in the same order.
func (m OrderedMap[K, V]) Equal(other OrderedMap[K, V]) bool {
	if !slices.Equal(m.Keys(), other.Keys()) {
		return false
	}

	for k, v := range m.All() {
		if ov, _ := other.Get(k); ov != v {
			return false
		}
	}

	return true
}

// MarshalJSON encodes the map as a JSON object with keys in insertion order.
func (m OrderedMap[K, V]) MarshalJSON() ([]byte, error) {
	if m.om == nil {
		return []byte("{}"), nil
	}
	return m.om.MarshalJSON()
}
