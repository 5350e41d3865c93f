package engine

import (
	"sigtree/backend/signals"
)

// DirectSignalTree is committed to by a caller that already holds the tree lock,
// e.g. code running under a session lock. The convenience methods never lock.
type DirectSignalTree struct {
	treeBase
}

// NewDirectSignalTree creates a tree with an empty root node.
func NewDirectSignalTree(opts ...Option) *DirectSignalTree {
	t := &DirectSignalTree{}
	t.init(DirectTree, newOptions(opts))
	return t
}

func (t *DirectSignalTree) PrepareCommit(changes *CommandsAndHandlers) PendingCommit {
	return t.prepare(changes)
}

// Commit applies the changes. The caller must hold the lock, which stays held afterwards.
func (t *DirectSignalTree) Commit(changes *CommandsAndHandlers) {
	c := t.prepare(changes)
	if c.CanCommit() {
		c.ApplyChanges()
		c.PublishChanges()
	} else {
		c.MarkAsAborted()
	}
}

// CommitSingleCommand applies the command. The caller must hold the lock.
func (t *DirectSignalTree) CommitSingleCommand(cmd signals.Command, handler ResultHandler) {
	t.applySingle(cmd, handler)
	t.drain()
}
