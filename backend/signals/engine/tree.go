// Package engine implements signal trees, the transactions committing commands to them,
// and the reactive layer tracking which nodes a computation depends on.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"sigtree/backend/logging"
	"sigtree/backend/signals"
)

// ErrIllegalState is the panic value for API misuse, such as writing inside a computed value,
// or mixing incompatible trees in one transaction.
var ErrIllegalState = errors.New("illegal state")

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

// TreeType describes the concurrency strategy of a tree.
type TreeType int

// Tree types.
const (
	DirectTree TreeType = iota
	SynchronousTree
	AsynchronousTree
	ComputedTree
)

func (t TreeType) String() string {
	switch t {
	case DirectTree:
		return "direct"
	case SynchronousTree:
		return "synchronous"
	case AsynchronousTree:
		return "asynchronous"
	case ComputedTree:
		return "computed"
	default:
		return fmt.Sprintf("TreeType(%d)", int(t))
	}
}

// ResultHandler receives the result of a command.
type ResultHandler func(signals.Result)

// TransientListener is notified about a change. Returning true keeps the listener registered
// for the next change. Immediate is true when the listener is invoked during registration
// because the change had already happened.
type TransientListener func(immediate bool) bool

// Canceler stops further notifications. Calling it more than once is fine.
type Canceler func()

func noopCanceler() {}

// PendingCommit is a prepared commit of a batch of commands to a single tree.
// The tree lock must be held from PrepareCommit until ApplyChanges or MarkAsAborted.
type PendingCommit interface {
	// CanCommit reports whether all commands would be accepted.
	CanCommit() bool

	// ApplyChanges makes the changes visible in the tree. Panics if the commit can't be done.
	ApplyChanges()

	// PublishChanges delivers results and change notifications. Must be called after ApplyChanges,
	// preferably without holding the tree lock.
	PublishChanges()

	// MarkAsAborted rejects all commands. Commands that would have failed get their own reason,
	// others are rejected as aborted.
	MarkAsAborted()
}

// SignalTree is a tree of signal nodes together with a strategy for committing changes to it.
type SignalTree interface {
	// Seq is a process-wide unique sequence number of the tree. Trees are locked in Seq order.
	Seq() uint64

	Type() TreeType

	Lock()
	Unlock()

	// Confirmed is the latest authoritative revision.
	Confirmed() *signals.Snapshot

	// Submitted is the confirmed revision with local changes that are not confirmed yet.
	// It's the same as Confirmed for all except asynchronous trees.
	Submitted() *signals.Snapshot

	// PrepareCommit evaluates the changes against the current state. Panics if the tree isn't locked.
	PrepareCommit(changes *CommandsAndHandlers) PendingCommit

	// Commit applies a batch of commands atomically.
	Commit(changes *CommandsAndHandlers)

	// CommitSingleCommand applies a single command. The handler may be nil.
	CommitSingleCommand(cmd signals.Command, handler ResultHandler)

	// ObserveNextChange registers a listener for the next change of the node.
	// Aliases are resolved when registering.
	ObserveNextChange(id signals.ID, listener TransientListener) Canceler

	// Depend calls fn once, on the next change of the node.
	// Calling Depend again from fn follows every change.
	Depend(id signals.ID, fn func()) Canceler

	// SubscribeToProcessed calls fn for every processed top-level command, accepted or not.
	SubscribeToProcessed(fn func(signals.Command, signals.Result)) Canceler
}

var treeSeq atomic.Uint64

// Option configures trees and reactive primitives.
type Option func(*options)

type options struct {
	log        *zap.Logger
	validate   bool
	dispatcher Dispatcher
	owner      signals.ID
}

func newOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logging.Logger("sigtree/engine")
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithValidation makes trees validate each new revision. Intended for tests and debugging.
func WithValidation(v bool) Option {
	return func(o *options) {
		o.validate = v
	}
}

// WithOwner sets the owner id of the tree revisions. Owned nodes inserted by the owner
// are tracked as original inserts. Trees get a random owner by default.
func WithOwner(id signals.ID) Option {
	return func(o *options) {
		o.owner = id
	}
}

// WithDispatcher makes effects run through the dispatcher instead of inline.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

type changeObserver struct {
	id       signals.ID
	listener TransientListener

	// Guarded by treeBase.obsMu.
	canceled bool
	pending  bool
	again    bool
}

type subscriber struct {
	fn       func(signals.Command, signals.Result)
	canceled atomic.Bool
}

// treeBase holds what all tree types share: identity, lock, revisions, listeners,
// and the queue of notifications to deliver.
type treeBase struct {
	seq      uint64
	typ      TreeType
	log      *zap.Logger
	validate bool

	mu sync.Mutex

	confirmed atomic.Pointer[signals.Snapshot]
	submitted atomic.Pointer[signals.Snapshot]

	obsMu       sync.Mutex
	observers   map[signals.ID][]*changeObserver
	subscribers []*subscriber

	outMu    sync.Mutex
	outbox   []func()
	draining bool
}

func (t *treeBase) init(typ TreeType, o options) {
	t.seq = treeSeq.Add(1)
	t.typ = typ
	t.log = o.log.With(zap.Uint64("tree", t.seq), zap.Stringer("treeType", typ))
	t.validate = o.validate

	owner := o.owner
	if owner.IsZero() {
		owner = signals.NewID()
	}
	empty := signals.NewSnapshot(owner)
	t.confirmed.Store(empty)
	t.submitted.Store(empty)

	mTrees.WithLabelValues(typ.String()).Inc()
}

func (t *treeBase) Seq() uint64 {
	return t.seq
}

func (t *treeBase) Type() TreeType {
	return t.typ
}

func (t *treeBase) Lock() {
	t.mu.Lock()
}

func (t *treeBase) Unlock() {
	t.mu.Unlock()
}

// HasLock reports whether the tree lock is held by someone.
// There's no notion of lock ownership, so it can't tell who holds it.
func (t *treeBase) HasLock() bool {
	if t.mu.TryLock() {
		t.mu.Unlock()
		return false
	}
	return true
}

func (t *treeBase) assertLocked() {
	if !t.HasLock() {
		panic("BUG: tree lock must be held")
	}
}

// WithLock runs fn while holding the tree lock.
func (t *treeBase) WithLock(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *treeBase) Confirmed() *signals.Snapshot {
	return t.confirmed.Load()
}

func (t *treeBase) Submitted() *signals.Snapshot {
	return t.submitted.Load()
}

func (t *treeBase) check(rev *signals.Snapshot) {
	if !t.validate {
		return
	}
	if err := rev.Validate(); err != nil {
		t.log.Error("InvalidRevision", zap.Error(err))
		panic(fmt.Errorf("BUG: invalid revision: %w", err))
	}
}

func (t *treeBase) resolve(id signals.ID) signals.ID {
	if n, ok := t.Submitted().Node(id); ok {
		if a, ok := n.(signals.Alias); ok {
			return a.Target
		}
	}
	return id
}

func (t *treeBase) ObserveNextChange(id signals.ID, listener TransientListener) Canceler {
	obs := &changeObserver{
		id:       t.resolve(id),
		listener: listener,
	}

	t.obsMu.Lock()
	if t.observers == nil {
		t.observers = make(map[signals.ID][]*changeObserver)
	}
	t.observers[obs.id] = append(t.observers[obs.id], obs)
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		t.removeObserverLocked(obs)
	}
}

func (t *treeBase) Depend(id signals.ID, fn func()) Canceler {
	return t.ObserveNextChange(id, func(bool) bool {
		fn()
		return false
	})
}

func (t *treeBase) SubscribeToProcessed(fn func(signals.Command, signals.Result)) Canceler {
	sub := &subscriber{fn: fn}

	t.obsMu.Lock()
	t.subscribers = append(t.subscribers, sub)
	t.obsMu.Unlock()

	return func() {
		if sub.canceled.Swap(true) {
			return
		}

		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		for i, s := range t.subscribers {
			if s == sub {
				t.subscribers = append(t.subscribers[:i:i], t.subscribers[i+1:]...)
				break
			}
		}
	}
}

func (t *treeBase) removeObserverLocked(obs *changeObserver) {
	if obs.canceled {
		return
	}
	obs.canceled = true

	list := t.observers[obs.id]
	for i, o := range list {
		if o == obs {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.observers, obs.id)
	} else {
		t.observers[obs.id] = list
	}
}

// enqueue adds a notification to be delivered by the next drain.
func (t *treeBase) enqueue(fn func()) {
	t.outMu.Lock()
	t.outbox = append(t.outbox, fn)
	t.outMu.Unlock()
}

// drain delivers queued notifications in order. Only one goroutine drains at a time,
// notifications queued by a callback are delivered after the callback returns.
func (t *treeBase) drain() {
	t.outMu.Lock()
	if t.draining {
		t.outMu.Unlock()
		return
	}
	t.draining = true

	defer func() {
		t.outMu.Lock()
		t.draining = false
		t.outMu.Unlock()
	}()

	for len(t.outbox) > 0 {
		fn := t.outbox[0]
		t.outbox[0] = nil
		t.outbox = t.outbox[1:]
		t.outMu.Unlock()

		fn()

		t.outMu.Lock()
	}
	t.outMu.Unlock()
}

// notifyResults queues handler calls for all results that have a handler.
func (t *treeBase) notifyResults(handlers map[signals.ID]ResultHandler, results map[signals.ID]signals.Result) {
	for id, h := range handlers {
		r, ok := results[id]
		if !ok || h == nil {
			continue
		}
		t.enqueue(func() { h(r) })
	}
}

// notifyProcessed queues processed-subscriber calls for top-level commands.
func (t *treeBase) notifyProcessed(cmds []signals.Command, results map[signals.ID]signals.Result) {
	t.obsMu.Lock()
	subs := append([]*subscriber(nil), t.subscribers...)
	t.obsMu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, c := range cmds {
		r := results[c.CommandID()]
		t.enqueue(func() {
			for _, s := range subs {
				if !s.canceled.Load() {
					s.fn(c, r)
				}
			}
		})
	}
}

// notifyChanged queues observer calls for the changed nodes.
func (t *treeBase) notifyChanged(changed []signals.ID) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	for _, id := range changed {
		for _, obs := range t.observers[id] {
			if obs.pending {
				obs.again = true
				continue
			}
			obs.pending = true
			t.enqueue(func() { t.deliver(obs) })
		}
	}
}

func (t *treeBase) deliver(obs *changeObserver) {
	t.obsMu.Lock()
	if obs.canceled {
		t.obsMu.Unlock()
		return
	}
	t.obsMu.Unlock()

	keep := obs.listener(false)

	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	obs.pending = false
	if !keep {
		t.removeObserverLocked(obs)
		return
	}

	if obs.again && !obs.canceled {
		obs.again = false
		obs.pending = true
		t.enqueue(func() { t.deliver(obs) })
	}
}

// changedNodes lists the nodes updated by accepted results, including aliases.
func changedNodes(results map[signals.ID]signals.Result, cmds []signals.Command) []signals.ID {
	var out []signals.ID
	seen := make(map[signals.ID]struct{})
	for _, c := range cmds {
		acc, ok := results[c.CommandID()].(signals.Accept)
		if !ok {
			continue
		}
		for id := range acc.Updates {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// aborted builds the results reported by MarkAsAborted.
func aborted(results map[signals.ID]signals.Result, handlers map[signals.ID]ResultHandler) map[signals.ID]signals.Result {
	out := make(map[signals.ID]signals.Result, len(handlers))
	for id := range handlers {
		if r, ok := results[id]; ok && !r.Accepted() {
			out[id] = r
		} else {
			out[id] = signals.Fail(signals.ReasonTransactionAborted)
		}
	}
	return out
}
