package signals

import (
	"iter"

	"sigtree/backend/util/btree"
)

// TreeRevision is a complete, self-consistent view of a node tree at one logical instant.
type TreeRevision interface {
	// OwnerID is the owner of the tree instance holding the revision.
	// Owned inserts made by this owner are tracked as original inserts.
	OwnerID() ID

	// Node returns the node with the given id without resolving aliases.
	Node(id ID) (Node, bool)

	// Data returns the data node with the given id, resolving an alias if necessary.
	Data(id ID) (Data, bool)

	// Nodes iterates over all nodes in id order.
	Nodes() iter.Seq2[ID, Node]

	// Len returns the number of nodes.
	Len() int

	// OriginalInsert returns the command that created the node on behalf of the revision owner.
	OriginalInsert(id ID) (OwnedCommand, bool)

	// OriginalInserts iterates over all tracked original inserts in id order.
	OriginalInserts() iter.Seq2[ID, OwnedCommand]
}

const btreeDegree = 32

type revision struct {
	owner   ID
	nodes   *btree.Map[ID, Node]
	inserts *btree.Map[ID, OwnedCommand]
}

func newRevision(owner ID) revision {
	r := revision{
		owner:   owner,
		nodes:   btree.New[ID, Node](btreeDegree, ID.Compare),
		inserts: btree.New[ID, OwnedCommand](btreeDegree, ID.Compare),
	}
	r.nodes.Set(ZeroID, EmptyRoot())
	return r
}

// copyRevision creates a private structural copy of any revision.
func copyRevision(base TreeRevision) revision {
	switch b := base.(type) {
	case *Snapshot:
		return b.revision.copy()
	case *MutableTreeRevision:
		return b.revision.copy()
	}

	r := revision{
		owner:   base.OwnerID(),
		nodes:   btree.New[ID, Node](btreeDegree, ID.Compare),
		inserts: btree.New[ID, OwnedCommand](btreeDegree, ID.Compare),
	}
	for id, n := range base.Nodes() {
		r.nodes.Set(id, n)
	}
	for id, c := range base.OriginalInserts() {
		r.inserts.Set(id, c)
	}
	return r
}

func (r *revision) copy() revision {
	return revision{
		owner:   r.owner,
		nodes:   r.nodes.Copy(),
		inserts: r.inserts.Copy(),
	}
}

func (r *revision) OwnerID() ID {
	return r.owner
}

func (r *revision) Node(id ID) (Node, bool) {
	return r.nodes.Get(id)
}

func (r *revision) Data(id ID) (Data, bool) {
	n, ok := r.nodes.Get(id)
	if !ok {
		return Data{}, false
	}

	if a, ok := n.(Alias); ok {
		n, ok = r.nodes.Get(a.Target)
		if !ok {
			return Data{}, false
		}
	}

	d, ok := n.(Data)
	return d, ok
}

func (r *revision) Nodes() iter.Seq2[ID, Node] {
	return r.nodes.Items()
}

func (r *revision) Len() int {
	return r.nodes.Len()
}

func (r *revision) OriginalInsert(id ID) (OwnedCommand, bool) {
	return r.inserts.Get(id)
}

func (r *revision) OriginalInserts() iter.Seq2[ID, OwnedCommand] {
	return r.inserts.Items()
}

// Snapshot is an immutable revision. It's safe for concurrent use.
type Snapshot struct {
	revision
}

// NewSnapshot creates a revision with only an empty root node.
func NewSnapshot(owner ID) *Snapshot {
	return &Snapshot{revision: newRevision(owner)}
}

// SnapshotOf creates an immutable copy of any revision.
func SnapshotOf(base TreeRevision) *Snapshot {
	if s, ok := base.(*Snapshot); ok {
		return s
	}
	return &Snapshot{revision: copyRevision(base)}
}

// Validate checks the structural invariants of the revision.
func (s *Snapshot) Validate() error {
	return Validate(s)
}
