package signals

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"sigtree/backend/util/colx"
	"sigtree/backend/util/maybe"
)

// Structural invariant violations reported by Validate.
var (
	ErrMissingRoot           = errors.New("root node is missing")
	ErrRootHasParent         = errors.New("root node has a parent")
	ErrParentMismatch        = errors.New("parent pointer doesn't match child collections")
	ErrMissingChild          = errors.New("child node is missing")
	ErrOrphanNode            = errors.New("node is not reachable from the root")
	ErrDanglingAlias         = errors.New("alias target is missing")
	ErrAliasChain            = errors.New("alias targets another alias")
	ErrMissingOriginalInsert = errors.New("owned node has no original insert")
	ErrStaleOriginalInsert   = errors.New("original insert refers to a missing node")
)

// Validate checks the structural invariants of a revision.
// All violations are reported, combined into a single error.
func Validate(rev TreeRevision) (err error) {
	violation := func(kind error, id ID) {
		err = multierr.Append(err, fmt.Errorf("%w: %s", kind, id))
	}

	root, ok := rev.Node(ZeroID)
	if !ok {
		violation(ErrMissingRoot, ZeroID)
	} else if d, ok := root.(Data); !ok {
		violation(ErrMissingRoot, ZeroID)
	} else if d.Parent.IsSet() {
		violation(ErrRootHasParent, ZeroID)
	}

	// Child id -> the node listing it.
	listedBy := make(map[ID]ID, rev.Len())

	for id, n := range rev.Nodes() {
		switch n := n.(type) {
		case Alias:
			target, ok := rev.Node(n.Target)
			if !ok {
				violation(ErrDanglingAlias, id)
			} else if _, ok := target.(Alias); ok {
				violation(ErrAliasChain, id)
			}
		case Data:
			for _, child := range n.Children() {
				if _, dup := listedBy[child]; dup {
					violation(ErrParentMismatch, child)
				}
				listedBy[child] = id

				cn, ok := rev.Node(child)
				if !ok {
					violation(ErrMissingChild, child)
					continue
				}
				if cd, ok := cn.(Data); !ok || cd.Parent != maybe.New(id) {
					violation(ErrParentMismatch, child)
				}
			}

			if o, ok := n.Owner.Get(); ok && o == rev.OwnerID() {
				if _, ok := rev.OriginalInsert(id); !ok {
					violation(ErrMissingOriginalInsert, id)
				}
			}
		}
	}

	for id, n := range rev.Nodes() {
		d, ok := n.(Data)
		if !ok {
			continue
		}
		p, ok := d.Parent.Get()
		if !ok {
			continue
		}
		if by, listed := listedBy[id]; !listed || by != p {
			violation(ErrParentMismatch, id)
		}
	}

	var reachable colx.HashSet[ID]
	if _, ok := rev.Data(ZeroID); ok {
		queue := []ID{ZeroID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if !reachable.Put(id) {
				continue
			}
			if d, ok := rev.Data(id); ok {
				queue = append(queue, d.Children()...)
			}
		}
	}

	for id, n := range rev.Nodes() {
		if _, ok := n.(Data); !ok || reachable.Has(id) {
			continue
		}
		if _, ok := rev.OriginalInsert(id); !ok {
			violation(ErrOrphanNode, id)
		}
	}

	for id := range rev.OriginalInserts() {
		if _, ok := rev.Node(id); !ok {
			violation(ErrStaleOriginalInsert, id)
		}
	}

	return err
}
