package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"sigtree/backend/signals"
)

// UsageType is the part of a node that a computation depends on.
type UsageType int

// Usage types.
const (
	UsageValue UsageType = iota
	UsageList
	UsageMap
	// UsageAll is any change of the node, detected by its last update.
	UsageAll
)

func (u UsageType) String() string {
	switch u {
	case UsageValue:
		return "value"
	case UsageList:
		return "list"
	case UsageMap:
		return "map"
	case UsageAll:
		return "all"
	default:
		return fmt.Sprintf("UsageType(%d)", int(u))
	}
}

// Extract returns the part of the node this usage type depends on.
func (u UsageType) Extract(d signals.Data) any {
	switch u {
	case UsageValue:
		return d.Value
	case UsageList:
		return slices.Clone(d.ListChildren)
	case UsageMap:
		return d.MapChildren
	case UsageAll:
		return d.LastUpdate
	default:
		panic(fmt.Sprintf("BUG: unknown usage type %d", int(u)))
	}
}

// Usage is something a computation has read, that may change later.
type Usage interface {
	// HasChanges reports whether the used state differs from when it was read.
	HasChanges() bool

	// OnNextChange calls the listener once the used state changes. If it has already changed,
	// the listener is called right away with immediate set to true.
	// Returning true from the listener keeps it registered.
	OnNextChange(listener TransientListener) Canceler
}

// NodeUsage is a usage of a single node of a tree.
type NodeUsage struct {
	tree      SignalTree
	id        signals.ID
	typ       UsageType
	reference any
	exists    bool
}

// NewNodeUsage creates a usage of the node as it is in the submitted revision.
func NewNodeUsage(tree SignalTree, id signals.ID, typ UsageType) *NodeUsage {
	d, ok := tree.Submitted().Data(id)
	return newNodeUsage(tree, id, typ, d, ok)
}

func newNodeUsage(tree SignalTree, id signals.ID, typ UsageType, d signals.Data, exists bool) *NodeUsage {
	u := &NodeUsage{
		tree:   tree,
		id:     id,
		typ:    typ,
		exists: exists,
	}
	if exists {
		u.reference = typ.Extract(d)
	}
	return u
}

// Tree returns the tree of the node.
func (u *NodeUsage) Tree() SignalTree {
	return u.tree
}

// ID returns the node id.
func (u *NodeUsage) ID() signals.ID {
	return u.id
}

// Type returns the usage type.
func (u *NodeUsage) Type() UsageType {
	return u.typ
}

func (u *NodeUsage) HasChanges() bool {
	d, ok := u.tree.Submitted().Data(u.id)
	if !ok || !u.exists {
		return ok != u.exists
	}
	return !signals.ValuesEqual(u.typ.Extract(d), u.reference)
}

func (u *NodeUsage) OnNextChange(listener TransientListener) Canceler {
	var done atomic.Bool

	cancel := u.tree.ObserveNextChange(u.id, func(bool) bool {
		if done.Load() {
			return false
		}
		if !u.HasChanges() {
			return true
		}
		if listener(false) {
			return true
		}
		done.Store(true)
		return false
	})

	if u.HasChanges() && !done.Load() {
		if !listener(true) {
			done.Store(true)
			cancel()
		}
	}

	return func() {
		done.Store(true)
		cancel()
	}
}

// Usages is a set of usages acting as one.
type Usages []Usage

// HasChanges reports whether any of the usages has changed.
func (us Usages) HasChanges() bool {
	for _, u := range us {
		if u.HasChanges() {
			return true
		}
	}
	return false
}

// OnNextChange calls the listener when any of the usages changes.
// Once the listener returns false, it's removed from all the usages.
func (us Usages) OnNextChange(listener TransientListener) Canceler {
	if len(us) == 0 {
		return noopCanceler
	}

	var (
		done    atomic.Bool
		mu      sync.Mutex
		cancels = make([]Canceler, 0, len(us))
	)

	cancelAll := func() {
		mu.Lock()
		cs := slices.Clone(cancels)
		mu.Unlock()
		for _, c := range cs {
			c()
		}
	}

	for _, u := range us {
		if done.Load() {
			break
		}

		c := u.OnNextChange(func(immediate bool) bool {
			if done.Load() {
				return false
			}
			if listener(immediate) {
				return true
			}
			done.Store(true)
			cancelAll()
			return false
		})

		mu.Lock()
		cancels = append(cancels, c)
		mu.Unlock()
	}

	if done.Load() {
		cancelAll()
	}

	return func() {
		done.Store(true)
		cancelAll()
	}
}

type usageKey struct {
	tree SignalTree
	id   signals.ID
	typ  UsageType
}

// tracker collects the usages of a running computation.
type tracker struct {
	mu     sync.Mutex
	usages Usages
	seen   map[usageKey]struct{}

	allowWrites  bool
	loopDetected atomic.Bool
	// inline is set for effects run by the goroutine delivering the change.
	inline bool

	// parent receives all usages too.
	parent *tracker
}

func (t *tracker) add(u Usage) {
	for ; t != nil; t = t.parent {
		t.mu.Lock()
		if nu, ok := u.(*NodeUsage); ok {
			k := usageKey{tree: nu.tree, id: nu.id, typ: nu.typ}
			if _, ok := t.seen[k]; ok {
				t.mu.Unlock()
				continue
			}
			if t.seen == nil {
				t.seen = make(map[usageKey]struct{})
			}
			t.seen[k] = struct{}{}
		}
		t.usages = append(t.usages, u)
		t.mu.Unlock()
	}
}

// dependsOn reports whether any node usage refers to the node.
func (t *tracker) dependsOn(tree SignalTree, id signals.ID) bool {
	id = resolveID(tree, id)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.usages {
		if nu, ok := u.(*NodeUsage); ok && nu.tree == tree && resolveID(tree, nu.id) == id {
			return true
		}
	}
	return false
}

func (t *tracker) collected() Usages {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.usages)
}

func resolveID(tree SignalTree, id signals.ID) signals.ID {
	if n, ok := tree.Submitted().Node(id); ok {
		if a, ok := n.(signals.Alias); ok {
			return a.Target
		}
	}
	return id
}

type trackerKey struct{}

func trackerFrom(ctx context.Context) *tracker {
	t, _ := ctx.Value(trackerKey{}).(*tracker)
	return t
}

func withTracker(ctx context.Context, t *tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// Track runs fn and collects the usages it registers. Changing signals inside fn panics.
func Track(ctx context.Context, fn func(ctx context.Context) error) (Usages, error) {
	t := &tracker{}
	err := fn(withTracker(ctx, t))
	return t.collected(), err
}

// RegisterUsage adds the usage to the computation being tracked, if any.
func RegisterUsage(ctx context.Context, u Usage) {
	if t := trackerFrom(ctx); t != nil {
		t.add(u)
	}
}

// Untracked returns a context where reads are not tracked and writes are allowed.
func Untracked(ctx context.Context) context.Context {
	return withTracker(ctx, nil)
}

// IsTracking reports whether reads are being tracked.
func IsTracking(ctx context.Context) bool {
	return trackerFrom(ctx) != nil
}
