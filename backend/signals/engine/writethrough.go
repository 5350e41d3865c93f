package engine

import (
	"context"
	"sync"

	"sigtree/backend/signals"
)

// resultSlot holds a result that may arrive before anyone is listening for it.
type resultSlot struct {
	mu      sync.Mutex
	result  signals.Result
	handler ResultHandler
}

func (s *resultSlot) resolve(r signals.Result) {
	s.mu.Lock()
	h := s.handler
	if h == nil {
		s.result = r
	}
	s.mu.Unlock()

	if h != nil {
		h(r)
	}
}

func (s *resultSlot) attach(h ResultHandler) {
	s.mu.Lock()
	r := s.result
	if r == nil {
		s.handler = h
	}
	s.mu.Unlock()

	if r != nil {
		h(r)
	}
}

// writeThroughTx passes every change to the outer transaction right away.
// Its operation resolves once all the changes are accepted, or any of them is rejected.
type writeThroughTx struct {
	outer  Transaction
	slots  []*resultSlot
	closed bool
}

func (tx *writeThroughTx) Type() TransactionType {
	return WriteThrough
}

func (tx *writeThroughTx) Include(tree SignalTree, cmd signals.Command, handler ResultHandler) {
	tx.includeThrough(tree, NewCommandsAndHandlers(cmd, handler))
}

func (tx *writeThroughTx) Read(tree SignalTree) signals.TreeRevision {
	return tx.outer.Read(tree)
}

func (tx *writeThroughTx) includeBatch(tree SignalTree, changes *CommandsAndHandlers) {
	tx.includeThrough(tree, changes)
}

func (tx *writeThroughTx) includeThrough(tree SignalTree, changes *CommandsAndHandlers) {
	if tx.closed {
		panic(illegalState("transaction is already finished"))
	}

	for _, cmd := range changes.Commands() {
		slot := &resultSlot{}
		tx.slots = append(tx.slots, slot)
		changes.Chain(cmd.CommandID(), slot.resolve)
	}
	tx.outer.includeThrough(tree, changes)
}

func (tx *writeThroughTx) run(ctx context.Context, fn func(ctx context.Context) error) (op *Operation[struct{}], err error) {
	op = NewOperation[struct{}]()
	defer tx.finish(op)

	return op, fn(withTransaction(ctx, tx))
}

func (tx *writeThroughTx) finish(op *Operation[struct{}]) {
	tx.closed = true

	deps := make([]any, len(tx.slots))
	for i, s := range tx.slots {
		deps[i] = s
	}
	collector := NewResultCollector(deps, func(r ResultOrError[struct{}]) {
		outcome := "committed"
		if !r.Successful() {
			outcome = "rejected"
		}
		mTransactions.WithLabelValues(WriteThrough.String(), outcome).Inc()
		op.Resolve(r)
	})
	for _, s := range tx.slots {
		s.attach(collector.RegisterDependency(s))
	}
}
