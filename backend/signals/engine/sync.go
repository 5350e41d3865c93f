package engine

import (
	"sigtree/backend/signals"
)

// SynchronousSignalTree is committed to under its own lock.
// All methods are safe to call from any goroutine.
type SynchronousSignalTree struct {
	treeBase
}

// NewSynchronousSignalTree creates a tree with an empty root node.
func NewSynchronousSignalTree(opts ...Option) *SynchronousSignalTree {
	t := &SynchronousSignalTree{}
	t.init(SynchronousTree, newOptions(opts))
	return t
}

// NewComputedSignalTree creates a synchronous tree storing state of computed values.
// Computed trees can take part in any transaction together with other trees.
func NewComputedSignalTree(opts ...Option) *SynchronousSignalTree {
	t := &SynchronousSignalTree{}
	t.init(ComputedTree, newOptions(opts))
	return t
}

func (t *SynchronousSignalTree) PrepareCommit(changes *CommandsAndHandlers) PendingCommit {
	return t.prepare(changes)
}

func (t *SynchronousSignalTree) Commit(changes *CommandsAndHandlers) {
	t.Lock()
	c := t.prepare(changes)
	finish(t, c)
}

func (t *SynchronousSignalTree) CommitSingleCommand(cmd signals.Command, handler ResultHandler) {
	t.Lock()
	t.applySingle(cmd, handler)
	t.Unlock()
	t.drain()
}

// finish applies or aborts a prepared commit and publishes it.
// The lock is expected to be held and is released.
func finish(t SignalTree, c PendingCommit) {
	if c.CanCommit() {
		c.ApplyChanges()
		t.Unlock()
		c.PublishChanges()
	} else {
		t.Unlock()
		c.MarkAsAborted()
	}
}

// applySingle applies one command to the confirmed revision. Rejected commands leave the tree unchanged
// but are still reported. The lock must be held.
func (t *treeBase) applySingle(cmd signals.Command, handler ResultHandler) {
	t.assertLocked()

	rev := signals.NewMutableTreeRevision(t.Confirmed())
	results := rev.ApplyAndGetResults([]signals.Command{cmd})
	if results[cmd.CommandID()].Accepted() {
		t.store(rev.Snapshot())
	}

	cmds := []signals.Command{cmd}
	if handler != nil {
		t.notifyResults(map[signals.ID]ResultHandler{cmd.CommandID(): handler}, results)
	}
	t.notifyProcessed(cmds, results)
	t.notifyChanged(changedNodes(results, cmds))
	observeResults(t.typ, results, cmds)
}

func (t *treeBase) store(rev *signals.Snapshot) {
	t.check(rev)
	t.confirmed.Store(rev)
	t.submitted.Store(rev)
}

func (t *treeBase) prepare(changes *CommandsAndHandlers) *syncCommit {
	t.assertLocked()

	rev := signals.NewMutableTreeRevision(t.Confirmed())
	results := rev.ApplyAndGetResults(changes.Commands())

	ok := true
	for _, c := range changes.Commands() {
		if !results[c.CommandID()].Accepted() {
			ok = false
			break
		}
	}

	return &syncCommit{
		tree:      t,
		changes:   changes,
		rev:       rev,
		results:   results,
		canCommit: ok,
	}
}

type syncCommit struct {
	tree      *treeBase
	changes   *CommandsAndHandlers
	rev       *signals.MutableTreeRevision
	results   map[signals.ID]signals.Result
	canCommit bool
	applied   bool
}

func (c *syncCommit) CanCommit() bool {
	return c.canCommit
}

func (c *syncCommit) ApplyChanges() {
	if !c.canCommit {
		panic("BUG: applying changes that can't be committed")
	}
	t := c.tree
	t.assertLocked()

	cmds := c.changes.Commands()
	t.store(c.rev.Snapshot())
	t.notifyResults(c.changes.Handlers(), c.results)
	t.notifyProcessed(cmds, c.results)
	t.notifyChanged(changedNodes(c.results, cmds))
	observeResults(t.typ, c.results, cmds)
	c.applied = true
}

func (c *syncCommit) PublishChanges() {
	if !c.canCommit || !c.applied {
		panic("BUG: publishing changes that were not applied")
	}
	c.tree.drain()
}

func (c *syncCommit) MarkAsAborted() {
	if c.applied {
		panic("BUG: aborting applied changes")
	}
	mAborted.WithLabelValues(c.tree.typ.String()).Inc()
	c.tree.notifyResults(c.changes.Handlers(), aborted(c.results, c.changes.Handlers()))
	c.tree.drain()
}
