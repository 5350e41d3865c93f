package signals

import "sigtree/backend/util/maybe"

// ListPosition is an insert position in a list of children, given as bounds.
// An After bound of MaxID means the start of the list,
// a Before bound of MaxID means the end of the list.
// When both bounds are given they must be adjacent.
type ListPosition struct {
	After  maybe.Value[ID]
	Before maybe.Value[ID]
}

// First is the position at the start of the list.
func First() ListPosition {
	return ListPosition{After: maybe.New(MaxID)}
}

// Last is the position at the end of the list.
func Last() ListPosition {
	return ListPosition{Before: maybe.New(MaxID)}
}

// AfterID is the position right after the given sibling.
func AfterID(after ID) ListPosition {
	return ListPosition{After: maybe.New(after)}
}

// BeforeID is the position right before the given sibling.
func BeforeID(before ID) ListPosition {
	return ListPosition{Before: maybe.New(before)}
}

// Between is the position between two adjacent siblings.
func Between(after, before ID) ListPosition {
	return ListPosition{After: maybe.New(after), Before: maybe.New(before)}
}
