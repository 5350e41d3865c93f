package colx

import "slices"

// SliceMap applies a map function to each element of the slice
// and produces a new slice with (possibly) transformed value.
func SliceMap[In any, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

// SliceInsertCopy returns a new slice with v inserted at index i.
// The input slice is never modified.
func SliceInsertCopy[T any](s []T, i int, v T) []T {
	out := make([]T, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	return append(out, s[i:]...)
}

// SliceRemoveCopy returns a new slice without the first occurrence of v,
// or the input slice if v is not found. The input slice is never modified.
func SliceRemoveCopy[T comparable](s []T, v T) []T {
	idx := slices.Index(s, v)
	if idx == -1 {
		return s
	}
	if len(s) == 1 {
		return nil
	}
	return slices.Delete(slices.Clone(s), idx, idx+1)
}
