package engine

import (
	"go.uber.org/zap"

	"sigtree/backend/signals"
	"sigtree/backend/util/colx"
)

// Submitter forwards locally committed commands to the authoritative source.
// Batches are submitted in commit order, never while holding the tree lock.
type Submitter interface {
	Submit(cmds []signals.Command)
}

// SubmitterFunc is a function implementing Submitter.
type SubmitterFunc func(cmds []signals.Command)

// Submit implements Submitter.
func (fn SubmitterFunc) Submit(cmds []signals.Command) {
	fn(cmds)
}

// AsynchronousSignalTree applies local changes optimistically to the submitted revision
// and waits for the authoritative source to confirm them.
// Result handlers of local commands are called once the commands are confirmed.
type AsynchronousSignalTree struct {
	treeBase

	submitter Submitter

	// Guarded by mu.
	pending        *CommandsAndHandlers
	pendingTouched colx.HashSet[signals.ID]
}

// NewAsynchronousSignalTree creates a tree with an empty root node.
// The submitter may be nil, in which case local changes are only confirmed explicitly.
func NewAsynchronousSignalTree(submitter Submitter, opts ...Option) *AsynchronousSignalTree {
	t := &AsynchronousSignalTree{
		submitter: submitter,
		pending:   &CommandsAndHandlers{},
	}
	t.init(AsynchronousTree, newOptions(opts))
	return t
}

func (t *AsynchronousSignalTree) PrepareCommit(changes *CommandsAndHandlers) PendingCommit {
	t.assertLocked()
	return &asyncCommit{tree: t, changes: changes}
}

func (t *AsynchronousSignalTree) Commit(changes *CommandsAndHandlers) {
	t.Lock()
	finish(t, t.PrepareCommit(changes))
}

func (t *AsynchronousSignalTree) CommitSingleCommand(cmd signals.Command, handler ResultHandler) {
	t.Commit(NewCommandsAndHandlers(cmd, handler))
}

// Pending returns the number of local commands waiting for confirmation.
func (t *AsynchronousSignalTree) Pending() int {
	t.Lock()
	defer t.Unlock()
	return t.pending.Len()
}

// Confirm applies authoritative commands to the confirmed revision.
// Local commands that are still pending are rebased on top of the new confirmed revision.
// Commands matching pending local commands resolve their handlers.
func (t *AsynchronousSignalTree) Confirm(cmds []signals.Command) {
	if len(cmds) == 0 {
		return
	}

	t.Lock()
	t.confirm(cmds)
	t.Unlock()
	t.drain()
}

func (t *AsynchronousSignalTree) confirm(cmds []signals.Command) {
	oldSubmitted := t.Submitted()

	rev := signals.NewMutableTreeRevision(t.Confirmed())
	results := rev.ApplyAndGetResults(cmds)
	confirmed := rev.Snapshot()
	t.check(confirmed)

	var candidates colx.HashSet[signals.ID]
	candidates.PutMany(changedNodes(results, cmds)...)
	candidates.PutMany(t.pendingTouched.Slice()...)

	for _, c := range cmds {
		if hs, ok := t.pending.RemoveHandledBy(c.CommandID()); ok {
			t.notifyResults(hs, results)
		}
	}

	rebased := signals.NewMutableTreeRevision(confirmed)
	rebasedResults := rebased.ApplyAndGetResults(t.pending.Commands())
	submitted := rebased.Snapshot()
	t.check(submitted)

	t.pendingTouched = nil
	touched := changedNodes(rebasedResults, t.pending.Commands())
	t.pendingTouched.PutMany(touched...)
	candidates.PutMany(touched...)

	t.confirmed.Store(confirmed)
	t.submitted.Store(submitted)

	var changed []signals.ID
	for id := range candidates {
		before, _ := oldSubmitted.Node(id)
		after, _ := submitted.Node(id)
		if !signals.NodesEqual(before, after) {
			changed = append(changed, id)
		}
	}

	t.notifyProcessed(cmds, results)
	t.notifyChanged(changed)
	observeResults(t.typ, results, cmds)
	mConfirmed.Add(float64(len(cmds)))

	t.log.Debug("ConfirmApplied",
		zap.Int("commands", len(cmds)),
		zap.Int("pending", t.pending.Len()),
		zap.Int("changed", len(changed)),
	)
}

type asyncCommit struct {
	tree    *AsynchronousSignalTree
	changes *CommandsAndHandlers
	applied bool
}

func (c *asyncCommit) CanCommit() bool {
	return true
}

func (c *asyncCommit) ApplyChanges() {
	t := c.tree
	t.assertLocked()

	cmds := c.changes.Commands()
	rev := signals.NewMutableTreeRevision(t.Submitted())
	results := rev.ApplyAndGetResults(cmds)
	submitted := rev.Snapshot()
	t.check(submitted)
	t.submitted.Store(submitted)

	t.pending.AddAll(c.changes)
	changed := changedNodes(results, cmds)
	t.pendingTouched.PutMany(changed...)
	t.notifyChanged(changed)

	if t.submitter != nil {
		t.enqueue(func() { t.submitter.Submit(cmds) })
	}
	c.applied = true
}

func (c *asyncCommit) PublishChanges() {
	if !c.applied {
		panic("BUG: publishing changes that were not applied")
	}
	c.tree.drain()
}

func (c *asyncCommit) MarkAsAborted() {
	if c.applied {
		panic("BUG: aborting applied changes")
	}
	mAborted.WithLabelValues(c.tree.typ.String()).Inc()
	c.tree.notifyResults(c.changes.Handlers(), aborted(nil, c.changes.Handlers()))
	c.tree.drain()
}
