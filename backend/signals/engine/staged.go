package engine

import (
	"cmp"
	"context"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sigtree/backend/signals"
	"sigtree/backend/util/colx"
)

const tracerName = "sigtree/engine"

// CommitSpanName is the name of the tracing span around atomic commits of staged transactions.
const CommitSpanName = "CommitStaged"

type stagedState struct {
	// base is the state of the tree at first access, plus write-through changes made since.
	base   *signals.MutableTreeRevision
	staged *CommandsAndHandlers
	view   *signals.Snapshot

	// checked nodes have a last update condition staged already.
	checked colx.HashSet[signals.ID]
}

type stagedTx struct {
	outer  Transaction
	order  []SignalTree
	states map[SignalTree]*stagedState
	closed bool
}

func newStagedTx(outer Transaction) *stagedTx {
	return &stagedTx{
		outer:  outer,
		states: make(map[SignalTree]*stagedState),
	}
}

func (tx *stagedTx) Type() TransactionType {
	return Staged
}

func (tx *stagedTx) state(tree SignalTree) *stagedState {
	if tx.closed {
		panic(illegalState("transaction is already finished"))
	}

	if st, ok := tx.states[tree]; ok {
		return st
	}

	checkTreeMix(tx.order, tree)
	st := &stagedState{
		base:   signals.NewMutableTreeRevision(tx.outer.Read(tree)),
		staged: &CommandsAndHandlers{},
	}
	tx.states[tree] = st
	tx.order = append(tx.order, tree)
	return st
}

func (tx *stagedTx) Include(tree SignalTree, cmd signals.Command, handler ResultHandler) {
	st := tx.state(tree)
	st.staged.Add(cmd, handler)
	st.view = nil
}

func (tx *stagedTx) Read(tree SignalTree) signals.TreeRevision {
	st := tx.state(tree)
	if st.view != nil {
		return st.view
	}

	if st.staged.IsEmpty() {
		st.view = st.base.Snapshot()
	} else {
		rev := signals.NewMutableTreeRevision(st.base)
		rev.Apply(signals.NewTransaction(st.staged.Commands()...), nil)
		st.view = rev.Snapshot()
	}
	return st.view
}

// requireUnchanged stages a condition that the node is not changed by others before the commit.
func (tx *stagedTx) requireUnchanged(tree SignalTree, id signals.ID, lastUpdate signals.ID) {
	st := tx.state(tree)
	if !st.checked.Put(id) {
		return
	}
	tx.Include(tree, signals.LastUpdateCondition{
		ID:                 signals.NewID(),
		Target:             id,
		ExpectedLastUpdate: lastUpdate,
	}, nil)
}

func (tx *stagedTx) includeBatch(tree SignalTree, changes *CommandsAndHandlers) {
	st := tx.state(tree)
	st.staged.AddAll(changes)
	st.view = nil
}

func (tx *stagedTx) includeThrough(tree SignalTree, changes *CommandsAndHandlers) {
	tx.outer.includeThrough(tree, changes)

	if st, ok := tx.states[tree]; ok {
		st.base.ApplyAll(changes.Commands())
		st.view = nil
	}
}

func (tx *stagedTx) run(ctx context.Context, fn func(ctx context.Context) error) (op *Operation[struct{}], err error) {
	op = NewOperation[struct{}]()

	committing := false
	defer func() {
		if committing {
			return
		}
		r := recover()
		tx.abort(op)
		if r != nil {
			panic(r)
		}
	}()

	if err := fn(withTransaction(ctx, tx)); err != nil {
		return op, err
	}

	committing = true
	tx.commit(ctx, op)
	return op, nil
}

// abort rejects all staged changes.
func (tx *stagedTx) abort(op *Operation[struct{}]) {
	tx.closed = true

	reject := signals.Fail(signals.ReasonTransactionAborted)
	for _, tree := range tx.order {
		for _, h := range tx.states[tree].staged.Handlers() {
			h(reject)
		}
	}

	op.Resolve(Failure[struct{}](signals.ReasonTransactionAborted))
	mTransactions.WithLabelValues(Staged.String(), "aborted").Inc()
}

// commit wraps the staged changes of each tree into a single transaction command,
// and either commits them atomically or passes them to the outer transaction.
func (tx *stagedTx) commit(ctx context.Context, op *Operation[struct{}]) {
	tx.closed = true

	var trees []SignalTree
	for _, tree := range tx.order {
		if !tx.states[tree].staged.IsEmpty() {
			trees = append(trees, tree)
		}
	}

	deps := make([]any, len(trees))
	for i, tree := range trees {
		deps[i] = tree
	}
	collector := NewResultCollector(deps, func(r ResultOrError[struct{}]) {
		outcome := "committed"
		if !r.Successful() {
			outcome = "rejected"
		}
		mTransactions.WithLabelValues(Staged.String(), outcome).Inc()
		op.Resolve(r)
	})

	batches := make([]*CommandsAndHandlers, len(trees))
	for i, tree := range trees {
		staged := tx.states[tree].staged
		b := NewCommandsAndHandlers(signals.NewTransaction(staged.Commands()...), collector.RegisterDependency(tree))
		for id, h := range staged.Handlers() {
			b.SetHandler(id, h)
		}
		batches[i] = b
	}

	if len(trees) == 0 {
		return
	}

	if tx.outer.Type() != Root {
		for i, tree := range trees {
			tx.outer.includeBatch(tree, batches[i])
		}
		return
	}

	commitAtomically(ctx, trees, batches)
}

// commitAtomically commits one batch per tree, so that either all of them or none are applied.
// Trees are locked in Seq order.
func commitAtomically(ctx context.Context, trees []SignalTree, batches []*CommandsAndHandlers) {
	_, span := otel.Tracer(tracerName).Start(ctx, CommitSpanName, trace.WithAttributes(attribute.Int("trees", len(trees))))
	defer span.End()

	idx := make([]int, len(trees))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		return cmp.Compare(trees[a].Seq(), trees[b].Seq())
	})

	for _, i := range idx {
		trees[i].Lock()
	}

	commits := make([]PendingCommit, len(trees))
	ok := true
	for _, i := range idx {
		commits[i] = trees[i].PrepareCommit(batches[i])
		if !commits[i].CanCommit() {
			ok = false
		}
	}

	if ok {
		for _, i := range idx {
			commits[i].ApplyChanges()
		}
		for _, i := range idx {
			trees[i].Unlock()
		}
		for _, i := range idx {
			commits[i].PublishChanges()
		}
		return
	}

	for _, i := range idx {
		trees[i].Unlock()
	}
	for _, i := range idx {
		commits[i].MarkAsAborted()
	}
	span.SetStatus(codes.Error, "aborted")
}
