package signals

import (
	"slices"

	"sigtree/backend/util/colx"
	"sigtree/backend/util/maybe"
)

// Node is an entry in the node tree: either Data or Alias.
type Node interface {
	isNode()
}

// Data is a node carrying a value and child nodes.
// Data values are immutable: changes produce new values.
type Data struct {
	// Parent is unset for the root and for detached nodes.
	Parent maybe.Value[ID]

	// LastUpdate is the id of the last command that changed the node.
	LastUpdate ID

	// Owner tags nodes created on behalf of a session, for bulk cleanup.
	Owner maybe.Value[ID]

	Value        any
	ListChildren []ID
	MapChildren  colx.OrderedMap[string, ID]
}

// Alias redirects to another Data node.
type Alias struct {
	Target ID
}

func (Data) isNode()  {}
func (Alias) isNode() {}

// NewData creates a childless data node.
func NewData(parent maybe.Value[ID], lastUpdate ID, owner maybe.Value[ID], value any) Data {
	return Data{
		Parent:     parent,
		LastUpdate: lastUpdate,
		Owner:      owner,
		Value:      value,
	}
}

// EmptyRoot is the data node of an empty tree root.
func EmptyRoot() Data {
	return Data{}
}

// Equal reports whether two data nodes are identical.
func (d Data) Equal(other Data) bool {
	return d.Parent == other.Parent &&
		d.LastUpdate == other.LastUpdate &&
		d.Owner == other.Owner &&
		ValuesEqual(d.Value, other.Value) &&
		slices.Equal(d.ListChildren, other.ListChildren) &&
		d.MapChildren.Equal(other.MapChildren)
}

// HasChildren checks whether the node has any list or map children.
func (d Data) HasChildren() bool {
	return len(d.ListChildren) > 0 || d.MapChildren.Len() > 0
}

// Children returns list children followed by map children.
func (d Data) Children() []ID {
	out := slices.Clone(d.ListChildren)
	for id := range d.MapChildren.Values() {
		out = append(out, id)
	}
	return out
}

// NodesEqual compares two possibly nil nodes.
func NodesEqual(a, b Node) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case Data:
		bd, ok := b.(Data)
		return ok && a.Equal(bd)
	case Alias:
		ba, ok := b.(Alias)
		return ok && a == ba
	default:
		panic("BUG: unknown node type")
	}
}
