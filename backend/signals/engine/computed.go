package engine

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"sigtree/backend/signals"
)

var computedEqualOpts = cmp.Options{
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// Computed is a value derived from signals. The value is computed lazily and cached
// until any of the signals read by the computation changes.
// Readers depend on the computed value itself, and are only notified when the value changes.
type Computed[T any] struct {
	log  *zap.Logger
	fn   func(ctx context.Context) (T, error)
	ctx  context.Context
	tree *SynchronousSignalTree

	mu       sync.Mutex
	gen      uint64
	valid    bool
	computed bool
	closed   bool
	value    T
	err      error
	cancel   Canceler
}

// NewComputed creates a computed value. The function must not change any signals.
// Nothing is computed until the value is read.
func NewComputed[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option) *Computed[T] {
	o := newOptions(opts)
	return &Computed[T]{
		log:  o.log,
		fn:   fn,
		ctx:  withTransaction(context.WithoutCancel(ctx), rootTx{}),
		tree: NewComputedSignalTree(opts...),
	}
}

// Get returns the current value, registering it as a usage of the running computation.
// Inside a transaction the value is computed against the state seen by the transaction.
func (c *Computed[T]) Get(ctx context.Context) (T, error) {
	if InTransaction(ctx) {
		child := &tracker{parent: trackerFrom(ctx)}
		return c.fn(withTracker(ctx, child))
	}

	c.mu.Lock()
	v, err, ok := c.value, c.err, c.valid
	c.mu.Unlock()

	if !ok {
		v, err = c.refresh()
	}

	RegisterUsage(ctx, NewNodeUsage(c.tree, signals.ZeroID, UsageAll))
	return v, err
}

// Peek returns the current value without registering a usage.
func (c *Computed[T]) Peek() (T, error) {
	return c.Get(Untracked(c.ctx))
}

// Close stops listening for changes of dependencies.
// Later reads compute the value every time.
func (c *Computed[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.valid = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Computed[T]) refresh() (T, error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if prev != nil {
		prev()
	}

	tr := &tracker{}
	v, err := c.fn(withTracker(c.ctx, tr))
	mComputedRecomputes.Inc()

	cancel := tr.collected().OnNextChange(func(bool) bool {
		c.invalidate(gen)
		return false
	})

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		cancel()
		return v, err
	}

	changed := c.computed && (!cmp.Equal(c.value, v, computedEqualOpts) || !sameError(c.err, err))
	c.value, c.err = v, err
	c.valid = true
	c.computed = true
	c.cancel = cancel
	c.mu.Unlock()

	if changed {
		c.tree.CommitSingleCommand(signals.IncrementCommand{
			ID:     signals.NewID(),
			Target: signals.ZeroID,
			Delta:  1,
		}, nil)
	}

	return v, err
}

// invalidate drops the cached value computed in the given generation and computes it again,
// so that readers only get notified if the value has actually changed.
func (c *Computed[T]) invalidate(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.valid = false
	c.mu.Unlock()

	if _, err := c.refresh(); err != nil {
		c.log.Debug("ComputedFailed", zap.Error(err))
	}
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
