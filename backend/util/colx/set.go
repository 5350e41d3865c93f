// Package colx provides generic collection helpers.
package colx

// HashSet is a map-backed set.
// Zero value is useful.
type HashSet[T comparable] map[T]struct{}

// Has checks if v is in the set.
func (hs HashSet[T]) Has(v T) bool {
	_, ok := hs[v]
	return ok
}

// Put adds v to the set, reporting whether it was added.
func (hs *HashSet[T]) Put(v T) (added bool) {
	if *hs == nil {
		*hs = make(HashSet[T])
	}
	if _, ok := (*hs)[v]; ok {
		return false
	}
	(*hs)[v] = struct{}{}
	return true
}

// PutMany adds multiple values to the set.
func (hs *HashSet[T]) PutMany(v ...T) {
	for _, x := range v {
		hs.Put(x)
	}
}

// Delete removes v from the set.
func (hs HashSet[T]) Delete(v T) {
	delete(hs, v)
}

// Len returns the number of elements.
func (hs HashSet[T]) Len() int {
	return len(hs)
}

// Slice returns values from the set as a slice in unspecified order.
func (hs HashSet[T]) Slice() []T {
	if hs == nil {
		return nil
	}
	s := make([]T, 0, len(hs))
	for v := range hs {
		s = append(s, v)
	}
	return s
}
