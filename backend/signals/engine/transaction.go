package engine

import (
	"context"
	"fmt"

	"sigtree/backend/signals"
)

// TransactionType selects how a transaction handles changes.
type TransactionType int

// Transaction types.
const (
	// Staged collects changes and commits them atomically at the end. Reads are repeatable.
	Staged TransactionType = iota

	// ReadOnly gives a consistent view of the trees and rejects all changes.
	ReadOnly

	// WriteThrough passes changes to the enclosing transaction right away.
	WriteThrough

	// Root is the implicit transaction outside of any other, committing each change right away.
	Root
)

func (t TransactionType) String() string {
	switch t {
	case Staged:
		return "staged"
	case ReadOnly:
		return "readOnly"
	case WriteThrough:
		return "writeThrough"
	case Root:
		return "root"
	default:
		return fmt.Sprintf("TransactionType(%d)", int(t))
	}
}

// Transaction is the scope that reads and changes of signal trees go through.
// Transactions are bound to the goroutine running them and are not safe for concurrent use.
type Transaction interface {
	Type() TransactionType

	// Include adds a change to the transaction. The handler may be nil.
	Include(tree SignalTree, cmd signals.Command, handler ResultHandler)

	// Read returns the state of the tree as seen by the transaction.
	Read(tree SignalTree) signals.TreeRevision

	// includeBatch adds the changes of a finished nested transaction.
	includeBatch(tree SignalTree, changes *CommandsAndHandlers)

	// includeThrough adds changes that must reach the tree right away.
	includeThrough(tree SignalTree, changes *CommandsAndHandlers)
}

type txKey struct{}

// CurrentTransaction returns the active transaction of the context,
// or the root transaction if there's none.
func CurrentTransaction(ctx context.Context) Transaction {
	if tx, ok := ctx.Value(txKey{}).(Transaction); ok {
		return tx
	}
	return rootTx{}
}

// InTransaction reports whether the context has an active transaction other than the root.
func InTransaction(ctx context.Context) bool {
	return CurrentTransaction(ctx).Type() != Root
}

func withTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// RunInTransaction runs fn in a new transaction of the given type nested in the current one.
// The returned operation resolves when the changes of the transaction are accepted or rejected.
// An error or a panic from fn aborts a staged transaction and is passed on to the caller.
// Changes that a write-through transaction already passed on are not undone.
func RunInTransaction(ctx context.Context, typ TransactionType, fn func(ctx context.Context) error) (*Operation[struct{}], error) {
	outer := CurrentTransaction(ctx)
	if outer.Type() == ReadOnly && typ != ReadOnly {
		panic(illegalState("can't start a %s transaction inside a read-only transaction", typ))
	}

	switch typ {
	case ReadOnly:
		return runReadOnly(ctx, outer, fn)
	case Staged:
		return newStagedTx(outer).run(ctx, fn)
	case WriteThrough:
		return (&writeThroughTx{outer: outer}).run(ctx, fn)
	default:
		panic(illegalState("can't start a %s transaction", typ))
	}
}

// RunReadOnly runs fn in a read-only transaction.
func RunReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := RunInTransaction(ctx, ReadOnly, fn)
	return err
}

// RunWithoutTransaction runs fn outside of any transaction, so its changes are committed right away.
func RunWithoutTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(withTransaction(ctx, rootTx{}))
}

func runReadOnly(ctx context.Context, outer Transaction, fn func(ctx context.Context) error) (*Operation[struct{}], error) {
	op := NewOperation[struct{}]()
	if err := fn(withTransaction(ctx, &readOnlyTx{outer: outer})); err != nil {
		op.Resolve(Failure[struct{}](signals.ReasonTransactionAborted))
		mTransactions.WithLabelValues(ReadOnly.String(), "failed").Inc()
		return op, err
	}
	op.Resolve(Success(struct{}{}))
	mTransactions.WithLabelValues(ReadOnly.String(), "committed").Inc()
	return op, nil
}

// rootTx commits every change to the tree right away.
type rootTx struct{}

func (rootTx) Type() TransactionType {
	return Root
}

func (rootTx) Include(tree SignalTree, cmd signals.Command, handler ResultHandler) {
	tree.CommitSingleCommand(cmd, handler)
}

func (rootTx) Read(tree SignalTree) signals.TreeRevision {
	return tree.Submitted()
}

func (rootTx) includeBatch(tree SignalTree, changes *CommandsAndHandlers) {
	tree.Commit(changes)
}

func (rootTx) includeThrough(tree SignalTree, changes *CommandsAndHandlers) {
	tree.Commit(changes)
}

// readOnlyTx reads each tree once and keeps returning the same revision.
type readOnlyTx struct {
	outer Transaction
	reads map[SignalTree]signals.TreeRevision
}

func (tx *readOnlyTx) Type() TransactionType {
	return ReadOnly
}

func (tx *readOnlyTx) Include(SignalTree, signals.Command, ResultHandler) {
	panic(illegalState("can't change signals in a read-only transaction"))
}

func (tx *readOnlyTx) Read(tree SignalTree) signals.TreeRevision {
	if rev, ok := tx.reads[tree]; ok {
		return rev
	}
	if tx.reads == nil {
		tx.reads = make(map[SignalTree]signals.TreeRevision)
	}
	rev := tx.outer.Read(tree)
	tx.reads[tree] = rev
	return rev
}

func (tx *readOnlyTx) includeBatch(SignalTree, *CommandsAndHandlers) {
	panic(illegalState("can't change signals in a read-only transaction"))
}

func (tx *readOnlyTx) includeThrough(SignalTree, *CommandsAndHandlers) {
	panic(illegalState("can't change signals in a read-only transaction"))
}

// checkTreeMix panics if the tree can't be committed atomically together with the others.
// At most one asynchronous tree may take part, and not together with direct or synchronous trees.
// Computed trees mix with anything.
func checkTreeMix(trees []SignalTree, tree SignalTree) {
	if tree.Type() == ComputedTree {
		return
	}
	for _, t := range trees {
		if t == tree || t.Type() == ComputedTree {
			continue
		}
		if t.Type() == AsynchronousTree || tree.Type() == AsynchronousTree {
			panic(illegalState("can't mix %s and %s trees in a transaction", t.Type(), tree.Type()))
		}
	}
}
