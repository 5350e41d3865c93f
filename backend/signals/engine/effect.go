package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs effects, e.g. on a UI goroutine or a worker pool.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc is a function implementing Dispatcher.
type DispatcherFunc func(fn func())

// Dispatch implements Dispatcher.
func (fn DispatcherFunc) Dispatch(f func()) {
	fn(f)
}

// maxEffectReruns limits how many times in a row an effect may invalidate itself while running.
const maxEffectReruns = 100

// Effect runs a function whenever the signals it read in its previous run change.
type Effect struct {
	log        *zap.Logger
	fn         func(ctx context.Context) error
	ctx        context.Context
	dispatcher Dispatcher

	mu        sync.Mutex
	closed    bool
	running   bool
	dirty     bool
	scheduled bool
	reruns    int
	cancel    Canceler
}

// NewEffect creates an effect and runs it for the first time, right away or through the dispatcher.
// Runs happen outside of any transaction, with a context carrying the values of ctx but never canceled.
// An error returned from fn is logged and the effect keeps running.
// A panic closes the effect.
func NewEffect(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) *Effect {
	o := newOptions(opts)
	e := &Effect{
		log:        o.log,
		fn:         fn,
		ctx:        withTransaction(context.WithoutCancel(ctx), rootTx{}),
		dispatcher: o.dispatcher,
	}
	e.schedule()
	return e
}

// Close stops the effect. A run in progress is finished, but no new runs start.
func (e *Effect) Close() {
	e.mu.Lock()
	e.closed = true
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Closed reports whether the effect is closed.
func (e *Effect) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Effect) schedule() {
	e.mu.Lock()
	if e.closed || e.scheduled {
		e.mu.Unlock()
		return
	}
	if e.running {
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.scheduled = true
	e.mu.Unlock()

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(e.run)
	} else {
		e.run()
	}
}

func (e *Effect) run() {
	e.mu.Lock()
	e.scheduled = false
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.dirty = false
	prev := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if prev != nil {
		prev()
	}

	tr := &tracker{allowWrites: true, inline: e.dispatcher == nil}
	rec, err := e.invoke(tr)

	switch {
	case tr.loopDetected.Load():
		e.log.Error("EffectLoopDetected", zap.Any("panic", rec))
		mEffectRuns.WithLabelValues("loop").Inc()
		e.stop()
		return
	case rec != nil:
		e.log.Error("EffectPanicked", zap.Any("panic", rec), zap.Stack("stack"))
		mEffectRuns.WithLabelValues("panicked").Inc()
		e.stop()
		return
	case err != nil:
		e.log.Warn("EffectFailed", zap.Error(err))
		mEffectRuns.WithLabelValues("failed").Inc()
	default:
		mEffectRuns.WithLabelValues("ok").Inc()
	}

	// Running is still set here, so a change seen while registering only marks the effect dirty.
	cancel := tr.collected().OnNextChange(func(bool) bool {
		e.schedule()
		return false
	})

	e.mu.Lock()
	e.running = false
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel

	if !e.dirty {
		e.reruns = 0
		e.mu.Unlock()
		return
	}

	e.dirty = false
	e.reruns++
	if e.reruns > maxEffectReruns {
		e.mu.Unlock()
		e.log.Error("EffectLoopDetected", zap.Int("reruns", maxEffectReruns))
		e.stop()
		return
	}
	e.mu.Unlock()

	e.schedule()
}

func (e *Effect) invoke(tr *tracker) (rec any, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = r
		}
	}()

	return nil, e.fn(withTracker(e.ctx, tr))
}

func (e *Effect) stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.Close()
}
