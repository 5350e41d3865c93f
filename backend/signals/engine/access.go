package engine

import (
	"context"
	"sync"

	"sigtree/backend/signals"
)

// ReadData reads a node through the current transaction and registers the read as a usage.
// Inside a staged transaction the commit fails if the node is changed by someone else in the meantime.
// Reading a missing node registers nothing.
func ReadData(ctx context.Context, tree SignalTree, id signals.ID, typ UsageType) (signals.Data, bool) {
	tx := CurrentTransaction(ctx)

	d, ok := tx.Read(tree).Data(id)
	if !ok {
		return signals.Data{}, false
	}

	if st, ok := tx.(*stagedTx); ok {
		st.requireUnchanged(tree, id, d.LastUpdate)
	}

	RegisterUsage(ctx, newNodeUsage(tree, id, typ, d, true))
	return d, true
}

// ReadValue reads the value of a node like ReadData does.
func ReadValue(ctx context.Context, tree SignalTree, id signals.ID) (any, bool) {
	d, ok := ReadData(ctx, tree, id, UsageValue)
	return d.Value, ok
}

// Peek reads the submitted state of a node, ignoring transactions and usage tracking.
func Peek(tree SignalTree, id signals.ID) (signals.Data, bool) {
	return tree.Submitted().Data(id)
}

// PeekConfirmed reads the confirmed state of a node, ignoring transactions and usage tracking.
func PeekConfirmed(tree SignalTree, id signals.ID) (signals.Data, bool) {
	return tree.Confirmed().Data(id)
}

// Write includes the command in the current transaction.
// It panics inside a computation that doesn't allow changes,
// and inside an effect changing a node it depends on.
func Write(ctx context.Context, tree SignalTree, cmd signals.Command, handler ResultHandler) {
	if t := trackerFrom(ctx); t != nil {
		if !t.allowWrites {
			panic(illegalState("can't change signals while computing a value"))
		}
		targets := commandTargets(cmd)
		for _, target := range targets {
			if t.dependsOn(tree, target) {
				t.loopDetected.Store(true)
				panic(illegalState("infinite loop: changing node %s that the effect depends on", target.Short()))
			}
		}
		if t.inline && activeWrites.dependOn(t, tree, targets) {
			t.loopDetected.Store(true)
			panic(illegalState("infinite loop: effects change each other's dependencies"))
		}

		activeWrites.push(t)
		defer activeWrites.pop(t)
	}

	CurrentTransaction(ctx).Include(tree, cmd, handler)
}

// activeWrites holds the effects that are in the middle of a write.
// Inline effects run by that write's notifications see them as their callers.
var activeWrites writeSet

type writeSet struct {
	mu sync.Mutex
	m  map[*tracker]int
}

func (s *writeSet) push(t *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[*tracker]int)
	}
	s.m[t]++
}

func (s *writeSet) pop(t *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[t]--
	if s.m[t] <= 0 {
		delete(s.m, t)
	}
}

// dependOn reports whether an effect other than self, currently writing, depends on any of the targets.
func (s *writeSet) dependOn(self *tracker, tree SignalTree, targets []signals.ID) bool {
	s.mu.Lock()
	writers := make([]*tracker, 0, len(s.m))
	for w := range s.m {
		if w != self {
			writers = append(writers, w)
		}
	}
	s.mu.Unlock()

	for _, w := range writers {
		for _, target := range targets {
			if w.dependsOn(tree, target) {
				return true
			}
		}
	}
	return false
}

// WriteOp is like Write, but returns the outcome of the command as an operation.
func WriteOp(ctx context.Context, tree SignalTree, cmd signals.Command) *Operation[struct{}] {
	op := NewOperation[struct{}]()
	Write(ctx, tree, cmd, func(r signals.Result) {
		op.Resolve(ToResultOrError(r))
	})
	return op
}

// commandTargets lists the nodes whose state the command may change.
func commandTargets(cmd signals.Command) []signals.ID {
	switch c := cmd.(type) {
	case signals.Condition:
		return nil
	case signals.TransactionCommand:
		var out []signals.ID
		for _, child := range c.Commands {
			out = append(out, commandTargets(child)...)
		}
		return out
	case signals.SnapshotCommand, signals.ClearOwnerCommand:
		return nil
	default:
		return []signals.ID{cmd.TargetID()}
	}
}
