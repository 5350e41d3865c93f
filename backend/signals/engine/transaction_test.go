package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sigtree/backend/signals"
)

func include(ctx context.Context, tree SignalTree, cmd signals.Command) {
	CurrentTransaction(ctx).Include(tree, cmd, nil)
}

func txRootValue(ctx context.Context, tree SignalTree) any {
	return rootValue(CurrentTransaction(ctx).Read(tree))
}

func TestResultCollector(t *testing.T) {
	t.Run("UnknownDependency", func(t *testing.T) {
		c := NewResultCollector([]any{"a"}, func(ResultOrError[struct{}]) {})
		require.PanicsWithError(t, "illegal state: unknown dependency b", func() {
			c.RegisterDependency("b")
		})
	})

	t.Run("AllAccepted", func(t *testing.T) {
		var out []ResultOrError[struct{}]
		c := NewResultCollector([]any{"a", "b"}, func(r ResultOrError[struct{}]) {
			out = append(out, r)
		})
		a, b := c.RegisterDependency("a"), c.RegisterDependency("b")

		a(signals.Ok())
		require.Empty(t, out)
		b(signals.Ok())
		require.Len(t, out, 1)
		require.True(t, out[0].Successful())
	})

	t.Run("OneRejected", func(t *testing.T) {
		var out []ResultOrError[struct{}]
		c := NewResultCollector([]any{"a", "b"}, func(r ResultOrError[struct{}]) {
			out = append(out, r)
		})
		a, b := c.RegisterDependency("a"), c.RegisterDependency("b")

		a(signals.Fail("nope"))
		require.Len(t, out, 1, "fails right away")
		require.False(t, out[0].Successful())
		require.Equal(t, "nope", out[0].Reason)

		b(signals.Ok())
		require.Len(t, out, 1)
	})

	t.Run("ResolveTwice", func(t *testing.T) {
		c := NewResultCollector([]any{"a", "b"}, func(ResultOrError[struct{}]) {})
		a := c.RegisterDependency("a")
		a(signals.Ok())
		require.Panics(t, func() { a(signals.Ok()) })
	})

	t.Run("Empty", func(t *testing.T) {
		var called bool
		NewResultCollector(nil, func(r ResultOrError[struct{}]) {
			called = true
			require.True(t, r.Successful())
		})
		require.True(t, called)
	})
}

func TestStagedReadHidesRejectedChanges(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	ctx := context.Background()

	op := staged(t, ctx, func(ctx context.Context) {
		include(ctx, tree, setRoot("value"))
		require.Equal(t, "value", txRootValue(ctx, tree))

		include(ctx, tree, failing())
		require.Nil(t, txRootValue(ctx, tree))

		require.Nil(t, rootValue(tree.Confirmed()), "nothing is committed yet")
	})

	requireOutcome(t, op, false)
	require.Nil(t, rootValue(tree.Confirmed()))
}

func TestStagedTwoSyncTrees(t *testing.T) {
	t1 := NewSynchronousSignalTree(testOpts()...)
	t2 := NewSynchronousSignalTree(testOpts()...)
	var rec resultRecorder

	c1, c2 := setRoot("one"), setRoot("two")
	op := staged(t, context.Background(), func(ctx context.Context) {
		CurrentTransaction(ctx).Include(t1, c1, rec.handler(c1.ID))
		CurrentTransaction(ctx).Include(t2, c2, rec.handler(c2.ID))

		require.Nil(t, rootValue(t1.Confirmed()))
		require.Nil(t, rootValue(t2.Confirmed()))
	})

	requireOutcome(t, op, true)
	rec.requireAccepted(t, c1.ID)
	rec.requireAccepted(t, c2.ID)
	require.Equal(t, "one", rootValue(t1.Confirmed()))
	require.Equal(t, "two", rootValue(t2.Confirmed()))
}

func TestStagedTwoSyncTreesOneBad(t *testing.T) {
	t1 := NewSynchronousSignalTree(testOpts()...)
	t2 := NewSynchronousSignalTree(testOpts()...)
	var rec resultRecorder

	good, bad := setRoot("one"), failing()
	op := staged(t, context.Background(), func(ctx context.Context) {
		CurrentTransaction(ctx).Include(t1, good, rec.handler(good.ID))
		CurrentTransaction(ctx).Include(t2, bad, rec.handler(bad.CommandID()))
	})

	requireOutcome(t, op, false)
	rec.requireRejected(t, good.ID, signals.ReasonTransactionAborted)
	rec.requireRejected(t, bad.CommandID(), signals.ReasonUnexpectedValue)
	require.Nil(t, rootValue(t1.Confirmed()))
	require.Nil(t, rootValue(t2.Confirmed()))
}

func TestStagedAsyncTree(t *testing.T) {
	tree, sub := newAsyncTree()
	cmd := setRoot("value")

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, cmd)
		require.Empty(t, sub.submitted())
	})

	batches := sub.submitted()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	tx, ok := batches[0][0].(signals.TransactionCommand)
	require.True(t, ok)
	require.Equal(t, []signals.Command{cmd}, tx.Commands)

	require.Equal(t, "value", rootValue(tree.Submitted()))
	require.Nil(t, rootValue(tree.Confirmed()))
	requirePending(t, op)

	sub.confirmAll(tree)
	requireOutcome(t, op, true)
	require.Equal(t, "value", rootValue(tree.Confirmed()))
}

func TestStagedAsyncTreeGoodAndBad(t *testing.T) {
	tree, sub := newAsyncTree()

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, setRoot("value"))
		include(ctx, tree, failing())
	})

	require.Nil(t, rootValue(tree.Submitted()))
	requirePending(t, op)

	sub.confirmAll(tree)
	requireOutcome(t, op, false)
	require.Nil(t, rootValue(tree.Confirmed()))
}

func TestStagedNestedInStaged(t *testing.T) {
	tree, sub := newAsyncTree()
	cmd := setRoot("value")

	staged(t, context.Background(), func(ctx context.Context) {
		inner := staged(t, ctx, func(ctx context.Context) {
			include(ctx, tree, cmd)
		})
		requirePending(t, inner)
		require.Equal(t, "value", txRootValue(ctx, tree))
	})

	batches := sub.submitted()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	outer, ok := batches[0][0].(signals.TransactionCommand)
	require.True(t, ok)
	require.Len(t, outer.Commands, 1)

	inner, ok := outer.Commands[0].(signals.TransactionCommand)
	require.True(t, ok)
	require.Equal(t, []signals.Command{cmd}, inner.Commands)
}

func TestStagedInsideWriteThrough(t *testing.T) {
	tree, sub := newAsyncTree()

	op, err := RunInTransaction(context.Background(), WriteThrough, func(ctx context.Context) error {
		staged(t, ctx, func(ctx context.Context) {
			include(ctx, tree, setRoot("value"))
		})

		require.Len(t, sub.submitted(), 1)
		require.Equal(t, "value", txRootValue(ctx, tree))
		return nil
	})
	require.NoError(t, err)
	requirePending(t, op)

	sub.confirmAll(tree)
	requireOutcome(t, op, true)
}

func TestWriteThroughInsideStaged(t *testing.T) {
	tree, sub := newAsyncTree()

	staged(t, context.Background(), func(ctx context.Context) {
		_, err := RunInTransaction(ctx, WriteThrough, func(ctx context.Context) error {
			include(ctx, tree, setRoot("value"))
			return nil
		})
		require.NoError(t, err)

		require.Len(t, sub.submitted(), 1)
		require.Equal(t, "value", txRootValue(ctx, tree))
	})
}

func TestStagedFailingSavedByOutsideWrite(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID, ExpectedValue: "expected"})
		include(ctx, tree, setRoot("update"))

		tree.CommitSingleCommand(setRoot("expected"), nil)

		// The transaction still sees the state from its first read.
		require.Nil(t, txRootValue(ctx, tree))
	})

	requireOutcome(t, op, true)
	require.Equal(t, "update", rootValue(tree.Confirmed()))
}

func TestStagedFailingSavedByNestedWriteThrough(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID, ExpectedValue: "expected"})
		include(ctx, tree, setRoot("update"))

		_, err := RunInTransaction(ctx, WriteThrough, func(ctx context.Context) error {
			include(ctx, tree, setRoot("expected"))
			return nil
		})
		require.NoError(t, err)

		require.Equal(t, "update", txRootValue(ctx, tree))
	})

	requireOutcome(t, op, true)
	require.Equal(t, "update", rootValue(tree.Confirmed()))
}

func TestStagedGoodRuinedByOutsideWrite(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID})
		include(ctx, tree, setRoot("update"))

		tree.CommitSingleCommand(setRoot("unexpected"), nil)

		require.Equal(t, "update", txRootValue(ctx, tree))
	})

	requireOutcome(t, op, false)
	require.Equal(t, "unexpected", rootValue(tree.Confirmed()))
}

func TestStagedGoodRuinedByNestedWriteThrough(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID})
		include(ctx, tree, setRoot("update"))

		_, err := RunInTransaction(ctx, WriteThrough, func(ctx context.Context) error {
			include(ctx, tree, setRoot("unexpected"))
			return nil
		})
		require.NoError(t, err)

		require.Equal(t, "unexpected", txRootValue(ctx, tree))
	})

	requireOutcome(t, op, false)
	require.Equal(t, "unexpected", rootValue(tree.Confirmed()))
}

func TestStagedAsyncSavedByConfirm(t *testing.T) {
	tree, sub := newAsyncTree()

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID, ExpectedValue: "expected"})
		include(ctx, tree, setRoot("update"))
	})
	require.Nil(t, rootValue(tree.Submitted()))

	tree.Confirm([]signals.Command{setRoot("expected")})
	require.Equal(t, "update", rootValue(tree.Submitted()))

	sub.confirmAll(tree)
	requireOutcome(t, op, true)
}

func TestStagedAsyncRuinedByConfirm(t *testing.T) {
	tree, sub := newAsyncTree()

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID})
		include(ctx, tree, setRoot("update"))
	})
	require.Equal(t, "update", rootValue(tree.Submitted()))

	tree.Confirm([]signals.Command{setRoot("unexpected")})
	require.Equal(t, "unexpected", rootValue(tree.Submitted()))

	sub.confirmAll(tree)
	requireOutcome(t, op, false)
}

func TestStagedTreeWithoutChanges(t *testing.T) {
	t1 := NewSynchronousSignalTree(testOpts()...)
	t2 := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		txRootValue(ctx, t1)
		include(ctx, t2, setRoot("value"))
	})
	requireOutcome(t, op, true)

	empty := staged(t, context.Background(), func(ctx context.Context) {
		txRootValue(ctx, t1)
	})
	requireOutcome(t, empty, true)
}

func TestStagedChangeHandlerBypassesTransaction(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	var inObserver any
	tree.ObserveNextChange(signals.ZeroID, func(bool) bool {
		ctx := context.Background()
		include(ctx, tree, setRoot("observer"))
		inObserver = txRootValue(ctx, tree)
		return false
	})

	staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, setRoot("tx"))
	})

	require.Equal(t, "observer", inObserver)
	require.Equal(t, "observer", rootValue(tree.Confirmed()))
}

func TestStagedErrorAborts(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	var rec resultRecorder
	boom := errors.New("boom")

	cmd := setRoot("value")
	op, err := RunInTransaction(context.Background(), Staged, func(ctx context.Context) error {
		CurrentTransaction(ctx).Include(tree, cmd, rec.handler(cmd.ID))
		return boom
	})
	require.ErrorIs(t, err, boom)
	requireOutcome(t, op, false)
	rec.requireRejected(t, cmd.ID, signals.ReasonTransactionAborted)
	require.Nil(t, rootValue(tree.Confirmed()))
}

func TestStagedPanicAborts(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	var rec resultRecorder

	cmd := setRoot("value")
	require.PanicsWithValue(t, "boom", func() {
		_, _ = RunInTransaction(context.Background(), Staged, func(ctx context.Context) error {
			CurrentTransaction(ctx).Include(tree, cmd, rec.handler(cmd.ID))
			panic("boom")
		})
	})
	rec.requireRejected(t, cmd.ID, signals.ReasonTransactionAborted)
	require.Nil(t, rootValue(tree.Confirmed()))
}

func TestStagedRepeatableRead(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	tree.CommitSingleCommand(setRoot("before"), nil)

	op := staged(t, context.Background(), func(ctx context.Context) {
		v, ok := ReadValue(ctx, tree, signals.ZeroID)
		require.True(t, ok)
		require.Equal(t, "before", v)

		tree.CommitSingleCommand(setRoot("after"), nil)

		v, _ = ReadValue(ctx, tree, signals.ZeroID)
		require.Equal(t, "before", v)

		include(ctx, tree, signals.SetCommand{ID: signals.NewID(), Target: signals.ZeroID, Value: "from tx"})
	})

	requireOutcome(t, op, false)
	require.Equal(t, "after", rootValue(tree.Confirmed()))
}

func TestTreeMixing(t *testing.T) {
	ctx := context.Background()

	t.Run("SyncAndComputed", func(t *testing.T) {
		trees := []SignalTree{
			NewSynchronousSignalTree(testOpts()...),
			NewSynchronousSignalTree(testOpts()...),
			NewComputedSignalTree(testOpts()...),
			NewComputedSignalTree(testOpts()...),
		}
		staged(t, ctx, func(ctx context.Context) {
			for _, tree := range trees {
				txRootValue(ctx, tree)
			}
		})
	})

	t.Run("AsyncAndComputed", func(t *testing.T) {
		a, _ := newAsyncTree()
		c1 := NewComputedSignalTree(testOpts()...)
		c2 := NewComputedSignalTree(testOpts()...)

		staged(t, ctx, func(ctx context.Context) {
			txRootValue(ctx, a)
			txRootValue(ctx, c1)
			txRootValue(ctx, c2)
		})
		staged(t, ctx, func(ctx context.Context) {
			txRootValue(ctx, c1)
			txRootValue(ctx, c2)
			txRootValue(ctx, a)
		})
	})

	t.Run("MultipleAsync", func(t *testing.T) {
		a1, _ := newAsyncTree()
		a2, _ := newAsyncTree()

		staged(t, ctx, func(ctx context.Context) {
			txRootValue(ctx, a1)
			requireIllegalState(t, func() { txRootValue(ctx, a2) })
		})
	})

	t.Run("AsyncAndSync", func(t *testing.T) {
		a, _ := newAsyncTree()
		s := NewSynchronousSignalTree(testOpts()...)

		staged(t, ctx, func(ctx context.Context) {
			txRootValue(ctx, a)
			requireIllegalState(t, func() { txRootValue(ctx, s) })
		})
		staged(t, ctx, func(ctx context.Context) {
			txRootValue(ctx, s)
			requireIllegalState(t, func() { txRootValue(ctx, a) })
		})
	})
}

func requireIllegalState(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "must panic")
		err, ok := r.(error)
		require.True(t, ok, "must panic with an error, got %v", r)
		require.ErrorIs(t, err, ErrIllegalState)
	}()
	fn()
}

// lockOrderTree records which trees were locked before it.
type lockOrderTree struct {
	*SynchronousSignalTree
	state *lockOrderState
	// Guarded by state.mu.
	previouslyLocked map[*lockOrderTree]bool
}

type lockOrderState struct {
	mu     sync.Mutex
	locked map[*lockOrderTree]bool
}

func (t *lockOrderTree) Lock() {
	t.SynchronousSignalTree.Lock()
	t.state.mu.Lock()
	for other := range t.state.locked {
		t.previouslyLocked[other] = true
	}
	t.state.locked[t] = true
	t.state.mu.Unlock()
}

func (t *lockOrderTree) Unlock() {
	t.state.mu.Lock()
	delete(t.state.locked, t)
	t.state.mu.Unlock()
	t.SynchronousSignalTree.Unlock()
}

func TestCommitLockOrder(t *testing.T) {
	state := &lockOrderState{locked: make(map[*lockOrderTree]bool)}
	trees := make([]*lockOrderTree, 10)
	for i := range trees {
		trees[i] = &lockOrderTree{
			SynchronousSignalTree: NewSynchronousSignalTree(testOpts()...),
			state:                 state,
			previouslyLocked:      make(map[*lockOrderTree]bool),
		}
	}

	for range 10 {
		rand.Shuffle(len(trees), func(i, j int) { trees[i], trees[j] = trees[j], trees[i] })
		op := staged(t, context.Background(), func(ctx context.Context) {
			for _, tree := range trees {
				include(ctx, tree, setRoot("value"))
			}
		})
		requireOutcome(t, op, true)
	}

	for _, tree := range trees {
		for prev := range tree.previouslyLocked {
			require.False(t, prev.previouslyLocked[tree], "trees must always be locked in the same order")
		}
	}
}

func TestReadOnlyTransaction(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	tree.CommitSingleCommand(setRoot("before"), nil)
	ctx := context.Background()

	err := RunReadOnly(ctx, func(ctx context.Context) error {
		require.Equal(t, ReadOnly, CurrentTransaction(ctx).Type())
		require.Equal(t, "before", txRootValue(ctx, tree))

		tree.CommitSingleCommand(setRoot("after"), nil)
		require.Equal(t, "before", txRootValue(ctx, tree))

		requireIllegalState(t, func() { include(ctx, tree, setRoot("nope")) })
		requireIllegalState(t, func() {
			_, _ = RunInTransaction(ctx, Staged, func(context.Context) error { return nil })
		})
		requireIllegalState(t, func() {
			_, _ = RunInTransaction(ctx, WriteThrough, func(context.Context) error { return nil })
		})

		return RunReadOnly(ctx, func(ctx context.Context) error {
			require.Equal(t, "before", txRootValue(ctx, tree))
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, "after", rootValue(tree.Confirmed()))
}

func TestWriteThroughResult(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)
	ctx := context.Background()

	op, err := RunInTransaction(ctx, WriteThrough, func(ctx context.Context) error {
		include(ctx, tree, setRoot("value"))
		require.Equal(t, "value", rootValue(tree.Confirmed()), "applied right away")
		return nil
	})
	require.NoError(t, err)
	requireOutcome(t, op, true)

	boom := errors.New("boom")
	op, err = RunInTransaction(ctx, WriteThrough, func(ctx context.Context) error {
		include(ctx, tree, setRoot("kept"))
		include(ctx, tree, failing())
		return boom
	})
	require.ErrorIs(t, err, boom)
	requireOutcome(t, op, false)
	require.Equal(t, "kept", rootValue(tree.Confirmed()), "error doesn't undo applied changes")

	op, err = RunInTransaction(ctx, WriteThrough, func(context.Context) error { return nil })
	require.NoError(t, err)
	requireOutcome(t, op, true)
}

func TestRunWithoutTransaction(t *testing.T) {
	tree := NewSynchronousSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		err := RunWithoutTransaction(ctx, func(ctx context.Context) error {
			require.False(t, InTransaction(ctx))
			include(ctx, tree, setRoot("direct"))
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, "direct", rootValue(tree.Confirmed()))
	})
	requireOutcome(t, op, true)
}

func TestStagedDirectTree(t *testing.T) {
	tree := NewDirectSignalTree(testOpts()...)

	op := staged(t, context.Background(), func(ctx context.Context) {
		include(ctx, tree, setRoot("value"))
	})

	requireOutcome(t, op, true)
	require.Equal(t, "value", rootValue(tree.Confirmed()))
	require.False(t, tree.HasLock())
}

func TestOperationWait(t *testing.T) {
	op := NewOperation[int]()
	_, ok := op.Result()
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := op.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	go op.Resolve(Success(42))
	r, err := op.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, r.Successful())
	require.Equal(t, 42, r.Value)

	op.Resolve(Failure[int]("ignored"))
	r, _ = op.Result()
	require.True(t, r.Successful())

	require.False(t, ToResultOrError(signals.Fail("bad")).Successful())
	require.Equal(t, "bad", ToResultOrError(signals.Fail("bad")).Reason)
	require.True(t, ToResultOrError(signals.Ok()).Successful())
}
