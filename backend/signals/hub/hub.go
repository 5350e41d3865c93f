// Package hub shares one authoritative signal tree between many sessions.
// Every session works on its own asynchronous tree, and the hub confirms all the changes
// to all the sessions in the order the hub has applied them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sigtree/backend/config"
	"sigtree/backend/logging"
	"sigtree/backend/signals"
	"sigtree/backend/signals/engine"
)

var (
	mSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigtree_hub_sessions",
		Help: "Number of connected hub sessions.",
	})

	mBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_hub_batches_total",
		Help: "Number of command batches applied by the hub.",
	})

	mDroppedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_hub_dropped_batches_total",
		Help: "Number of batches submitted by already closed sessions.",
	})

	mDeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_hub_delivery_retries_total",
		Help: "Number of failed delivery attempts that were retried.",
	})

	mDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_hub_delivery_failures_total",
		Help: "Number of sessions disconnected because batches couldn't be delivered.",
	})
)

// Errors returned by the hub.
var (
	ErrClosed         = errors.New("hub is closed")
	ErrDuplicateOwner = errors.New("owner already has a session")
)

// Link carries confirmed batches to a session.
type Link interface {
	Deliver(ctx context.Context, cmds []signals.Command) error
}

// LinkFunc is a function implementing Link.
type LinkFunc func(ctx context.Context, cmds []signals.Command) error

// Deliver implements Link.
func (fn LinkFunc) Deliver(ctx context.Context, cmds []signals.Command) error {
	return fn(ctx, cmds)
}

// Option configures the hub.
type Option func(*Hub)

// WithLogger sets the logger of the hub.
func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// WithTreeOptions sets the options for the hub tree and the session trees.
func WithTreeOptions(opts ...engine.Option) Option {
	return func(h *Hub) {
		h.treeOpts = append(h.treeOpts, opts...)
	}
}

// Hub owns the authoritative tree. Batches submitted by sessions are applied one at a time,
// and each applied batch is queued for delivery to every connected session, the submitter included.
// Rejected commands are delivered too, and get rejected the same way by the sessions.
type Hub struct {
	log      *zap.Logger
	cfg      config.Hub
	treeOpts []engine.Option
	tree     *engine.SynchronousSignalTree

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	mu       sync.Mutex
	closed   bool
	sessions map[signals.ID]*Session
	progress chan struct{}
}

// New creates a hub with an empty tree.
func New(cfg config.Hub, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		sessions: make(map[signals.ID]*Session),
		progress: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logging.Logger("sigtree/hub")
	}
	if cfg.Validate {
		h.treeOpts = append(h.treeOpts, engine.WithValidation(true))
	}

	h.tree = engine.NewSynchronousSignalTree(append(h.treeOpts, engine.WithLogger(h.log))...)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Tree returns the authoritative tree. Changes must go through Apply to reach the sessions.
func (h *Hub) Tree() *engine.SynchronousSignalTree {
	return h.tree
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Apply applies commands on behalf of the hub itself and delivers them to all sessions.
func (h *Hub) Apply(cmds ...signals.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	h.applyLocked(cmds)
	return nil
}

func (h *Hub) applyLocked(cmds []signals.Command) {
	for _, cmd := range cmds {
		h.tree.CommitSingleCommand(cmd, nil)
	}
	mBatches.Inc()

	for _, s := range h.sessions {
		s.enqueue(cmds)
	}
}

func (h *Hub) receive(from *Session, cmds []signals.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if from.isClosed() {
		h.log.Debug("BatchFromClosedSession", zap.Stringer("owner", from.owner), zap.Int("commands", len(cmds)))
		mDroppedBatches.Inc()
		return
	}

	h.applyLocked(cmds)
}

// Connect creates a session for the owner. The session tree starts with a copy of the hub state.
// Nodes inserted with the owner as their owner are removed when the session is closed.
// The session is closed when ctx is done.
func (h *Hub) Connect(ctx context.Context, owner signals.ID, opts ...SessionOption) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	if _, ok := h.sessions[owner]; ok {
		return nil, fmt.Errorf("failed to connect %s: %w", owner.Short(), ErrDuplicateOwner)
	}

	s := &Session{
		hub:   h,
		owner: owner,
		log:   h.log.With(zap.Stringer("owner", owner)),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tree = engine.NewAsynchronousSignalTree(
		engine.SubmitterFunc(func(cmds []signals.Command) { h.receive(s, cmds) }),
		append(h.treeOpts, engine.WithOwner(owner), engine.WithLogger(s.log))...,
	)

	var link Link = LinkFunc(func(_ context.Context, cmds []signals.Command) error {
		s.tree.Confirm(cmds)
		return nil
	})
	for _, wrap := range s.wraps {
		link = wrap(link)
	}
	s.link = link

	s.tree.Confirm([]signals.Command{signals.SnapshotCommand{
		ID:    signals.NewID(),
		Nodes: maps.Collect(h.tree.Confirmed().Nodes()),
	}})

	var sctx context.Context
	sctx, s.cancel = context.WithCancel(h.ctx)
	s.stopAfter = context.AfterFunc(ctx, func() {
		if err := s.Close(); err != nil {
			s.log.Warn("SessionCloseError", zap.Error(err))
		}
	})

	h.sessions[owner] = s
	mSessions.Inc()

	h.eg.Go(func() error {
		return s.deliverLoop(sctx)
	})

	s.log.Debug("SessionConnected", zap.Int("nodes", h.tree.Confirmed().Len()))
	return s, nil
}

// Flush waits until every batch applied so far is delivered to all the connected sessions.
func (h *Hub) Flush(ctx context.Context) error {
	for {
		h.mu.Lock()
		done := true
		for _, s := range h.sessions {
			if s.inFlight() > 0 {
				done = false
				break
			}
		}
		progress := h.progress
		h.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progress:
		}
	}
}

func (h *Hub) notifyProgress() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifyProgressLocked()
}

func (h *Hub) notifyProgressLocked() {
	close(h.progress)
	h.progress = make(chan struct{})
}

// Close closes all the sessions and waits for their delivery loops to stop.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = errors.Join(err, s.Close())
	}

	h.cancel()
	return errors.Join(err, h.eg.Wait())
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithLink wraps the link delivering batches to the session.
// Wrappers are applied in order, so the last one is called first.
func WithLink(wrap func(Link) Link) SessionOption {
	return func(s *Session) {
		s.wraps = append(s.wraps, wrap)
	}
}

// Session is a connection of one owner to the hub.
type Session struct {
	hub       *Hub
	owner     signals.ID
	log       *zap.Logger
	tree      *engine.AsynchronousSignalTree
	wraps     []func(Link) Link
	link      Link
	wake      chan struct{}
	cancel    context.CancelFunc
	stopAfter func() bool

	mu     sync.Mutex
	closed bool
	queue  [][]signals.Command
}

// Owner returns the owner id of the session.
func (s *Session) Owner() signals.ID {
	return s.owner
}

// Tree returns the session tree. Local changes are submitted to the hub.
func (s *Session) Tree() *engine.AsynchronousSignalTree {
	return s.tree
}

// Close disconnects the session, and removes the nodes owned by it from the hub tree.
// Batches not delivered yet are dropped.
func (s *Session) Close() error {
	h := s.hub

	h.mu.Lock()
	defer h.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.stopAfter()
	s.cancel()

	delete(h.sessions, s.owner)
	mSessions.Dec()

	h.applyLocked([]signals.Command{signals.ClearOwnerCommand{ID: signals.NewID(), Owner: s.owner}})
	h.notifyProgressLocked()

	s.log.Debug("SessionClosed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) enqueue(cmds []signals.Command) {
	s.mu.Lock()
	s.queue = append(s.queue, cmds)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) next() ([]signals.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	return s.queue[0], true
}

func (s *Session) ack() {
	s.mu.Lock()
	if len(s.queue) > 0 {
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	s.hub.notifyProgress()
}

func (s *Session) deliverLoop(ctx context.Context) error {
	for {
		batch, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		if err := s.deliver(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.log.Error("DeliveryFailed", zap.Error(err))
			mDeliveryFailures.Inc()
			return s.Close()
		}

		s.ack()
	}
}

func (s *Session) deliver(ctx context.Context, batch []signals.Command) error {
	cfg := s.hub.cfg
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := retry.WithMaxRetries(cfg.MaxRetries, retry.NewExponential(base))
	if cfg.RetryCap > 0 {
		backoff = retry.WithCappedDuration(cfg.RetryCap, backoff)
	}

	var attempts int
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := s.link.Deliver(ctx, batch); err != nil {
			mDeliveryRetries.Inc()
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to deliver batch: attempts %d: %w", attempts, err)
	}

	if attempts > 1 {
		s.log.Debug("BatchRedelivered", zap.Int("attempts", attempts), zap.Duration("retryBase", base))
	}

	return nil
}
