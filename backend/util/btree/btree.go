// Package btree wraps the tidwall B-Tree into an ordered map with copy-on-write snapshots.
//
// Copies are cheap: a copy shares the structure with the original
// until either of them is modified, which is what tree revisions rely on.
package btree

import (
	"iter"

	"github.com/tidwall/btree"
)

// Map is an ordered map. Reading a nil map is fine.
// Copying and reading is safe from multiple goroutines.
type Map[K, V any] struct {
	tr *btree.BTreeG[entry[K, V]]
}

type entry[K, V any] struct {
	k K
	v V
}

// New creates a map of the given degree ordered by cmp.
func New[K, V any](degree int, cmp func(K, K) int) *Map[K, V] {
	return &Map[K, V]{
		tr: btree.NewBTreeGOptions(
			func(a, b entry[K, V]) bool {
				return cmp(a.k, b.k) < 0
			},
			btree.Options{Degree: degree},
		),
	}
}

// Set key k to value v.
func (b *Map[K, V]) Set(k K, v V) (replaced bool) {
	_, replaced = b.tr.Set(entry[K, V]{k: k, v: v})
	return replaced
}

// Delete key k.
func (b *Map[K, V]) Delete(k K) (deleted bool) {
	_, deleted = b.tr.Delete(entry[K, V]{k: k})
	return deleted
}

// Get the value by key k.
func (b *Map[K, V]) Get(k K) (v V, ok bool) {
	if b == nil {
		return v, false
	}
	e, ok := b.tr.Get(entry[K, V]{k: k})
	return e.v, ok
}

// Has checks whether key k is set.
func (b *Map[K, V]) Has(k K) bool {
	_, ok := b.Get(k)
	return ok
}

// Len returns the number of entries.
func (b *Map[K, V]) Len() int {
	if b == nil {
		return 0
	}
	return b.tr.Len()
}

// Items iterates in key order.
func (b *Map[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if b == nil {
			return
		}
		b.tr.Scan(func(e entry[K, V]) bool {
			return yield(e.k, e.v)
		})
	}
}

// Copy makes a structural copy of the map.
// Modifications of the copy are not visible in the original, and vice versa.
func (b *Map[K, V]) Copy() *Map[K, V] {
	return &Map[K, V]{tr: b.tr.Copy()}
}
