// Package bench runs concurrent sessions against a hub and checks that they converge.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sigtree/backend/config"
	"sigtree/backend/signals"
	"sigtree/backend/signals/engine"
	"sigtree/backend/signals/hub"
)

var (
	mOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigtree_bench_ops_total",
		Help: "Number of benchmark operations by kind.",
	}, []string{"kind"})

	mDroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigtree_bench_dropped_deliveries_total",
		Help: "Number of delivery attempts failed on purpose.",
	})
)

// Keys of the shared nodes under the root.
const (
	KeyCounter = "counter"
	KeyItems   = "items"
	KeyLock    = "lock"
	KeyLeader  = "leader"
)

var errDropped = errors.New("delivery dropped")

// SessionStats describes the outcome of one session.
type SessionStats struct {
	Owner      signals.ID
	Ops        int
	Accepted   int
	Rejected   int
	Unresolved int
	EffectRuns int64
	Leader     string
	Diverged   error
}

// Report is the outcome of a benchmark run.
type Report struct {
	Workload string
	Duration time.Duration
	Sessions []SessionStats

	Counter    float64
	Increments int
	Items      int
	Inserts    int
	LockHolder string
}

// Converged reports whether all the sessions ended up with the hub state
// and the shared values account for every operation.
func (r Report) Converged() bool {
	for _, s := range r.Sessions {
		if s.Diverged != nil || s.Unresolved > 0 {
			return false
		}
	}
	return r.Counter == float64(r.Increments) && r.Items == r.Inserts
}

// Render prints the report as tables.
func (r Report) Render(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(fmt.Sprintf("%s workload, %d sessions, %s", r.Workload, len(r.Sessions), r.Duration.Round(time.Millisecond)))
	tw.AppendHeader(table.Row{"session", "ops", "accepted", "rejected", "unresolved", "effect runs", "leader", "state"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	var total SessionStats
	for _, s := range r.Sessions {
		state := "converged"
		if s.Diverged != nil {
			state = s.Diverged.Error()
		}
		tw.AppendRow(table.Row{s.Owner.Short(), s.Ops, s.Accepted, s.Rejected, s.Unresolved, s.EffectRuns, s.Leader, state})

		total.Ops += s.Ops
		total.Accepted += s.Accepted
		total.Rejected += s.Rejected
		total.Unresolved += s.Unresolved
		total.EffectRuns += s.EffectRuns
	}
	tw.AppendFooter(table.Row{"total", total.Ops, total.Accepted, total.Rejected, total.Unresolved, total.EffectRuns, "", ""})
	tw.Render()

	sw := table.NewWriter()
	sw.SetOutputMirror(w)
	sw.SetStyle(table.StyleLight)
	sw.AppendRows([]table.Row{
		{"counter", r.Counter, "increments", r.Increments},
		{"items", r.Items, "inserts", r.Inserts},
		{"lock holder", r.LockHolder, "converged", r.Converged()},
	})
	sw.Render()
}

// Setup creates the shared nodes in the hub tree.
func Setup(h *hub.Hub) error {
	return h.Apply(
		signals.PutCommand{ID: signals.NewID(), Target: signals.ZeroID, Key: KeyCounter, Value: 0},
		signals.PutCommand{ID: signals.NewID(), Target: signals.ZeroID, Key: KeyItems},
		signals.PutCommand{ID: signals.NewID(), Target: signals.ZeroID, Key: KeyLock},
	)
}

// Run connects the sessions, runs the workload in all of them concurrently,
// waits for the hub to deliver everything, and compares the session trees with the hub tree.
// The sessions are closed before returning.
func Run(ctx context.Context, h *hub.Hub, cfg config.Bench, log *zap.Logger) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	runners := make([]*runner, cfg.Sessions)
	defer func() {
		for _, r := range runners {
			if r != nil {
				r.close()
			}
		}
	}()

	for i := range runners {
		r, err := newRunner(ctx, h, cfg, uint64(i), log)
		if err != nil {
			return Report{}, err
		}
		runners[i] = r
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			return r.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := h.Flush(fctx); err != nil {
		return Report{}, fmt.Errorf("sessions didn't converge in %s: %w", cfg.Timeout, err)
	}

	rep := Report{
		Workload: cfg.Workload,
		Duration: time.Since(start),
		Sessions: make([]SessionStats, len(runners)),
	}

	want := h.Tree().Confirmed()
	for i, r := range runners {
		rep.Sessions[i] = r.stats(want)
		rep.Increments += r.increments
		rep.Inserts += r.inserts
	}

	rep.Counter, rep.Items, rep.LockHolder = sharedState(want)

	log.Info("BenchFinished",
		zap.Duration("duration", rep.Duration),
		zap.Int("sessions", len(runners)),
		zap.Bool("converged", rep.Converged()),
	)

	return rep, nil
}

func sharedState(rev signals.TreeRevision) (counter float64, items int, lock string) {
	root, _ := rev.Data(signals.ZeroID)

	if id, ok := root.MapChildren.Get(KeyCounter); ok {
		d, _ := rev.Data(id)
		if n, ok := d.Value.(float64); ok {
			counter = n
		}
	}
	if id, ok := root.MapChildren.Get(KeyItems); ok {
		d, _ := rev.Data(id)
		items = len(d.ListChildren)
	}
	if id, ok := root.MapChildren.Get(KeyLock); ok {
		d, _ := rev.Data(id)
		lock, _ = d.Value.(string)
	}
	return counter, items, lock
}

// compareRevisions returns an error describing the first difference between the revisions.
func compareRevisions(want, got signals.TreeRevision) error {
	if want.Len() != got.Len() {
		return fmt.Errorf("%d nodes instead of %d", got.Len(), want.Len())
	}
	for id, n := range want.Nodes() {
		other, ok := got.Node(id)
		if !ok {
			return fmt.Errorf("node %s is missing", id.Short())
		}
		if !signals.NodesEqual(n, other) {
			return fmt.Errorf("node %s differs", id.Short())
		}
	}
	return nil
}

// lossyLink fails some of the delivery attempts, so the hub has to redeliver.
func lossyLink(rate float64, rng *rand.Rand) func(hub.Link) hub.Link {
	return func(next hub.Link) hub.Link {
		return hub.LinkFunc(func(ctx context.Context, cmds []signals.Command) error {
			if rng.Float64() < rate {
				mDroppedDeliveries.Inc()
				return errDropped
			}
			return next.Deliver(ctx, cmds)
		})
	}
}

type runner struct {
	cfg     config.Bench
	log     *zap.Logger
	session *hub.Session
	tree    *engine.AsynchronousSignalTree
	rng     *rand.Rand

	counter signals.ID
	items   signals.ID
	lock    signals.ID
	leader  signals.ID

	ops        []*engine.Operation[struct{}]
	increments int
	inserts    int

	effect     *engine.Effect
	itemCount  *engine.Computed[int]
	effectRuns atomic.Int64
}

func newRunner(ctx context.Context, h *hub.Hub, cfg config.Bench, n uint64, log *zap.Logger) (*runner, error) {
	r := &runner{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, n)),
	}

	var opts []hub.SessionOption
	if cfg.DropRate > 0 {
		// Delivery runs in its own goroutine, so it gets its own source.
		opts = append(opts, hub.WithLink(lossyLink(cfg.DropRate, rand.New(rand.NewPCG(cfg.Seed, n+1<<32)))))
	}

	s, err := h.Connect(ctx, signals.NewID(), opts...)
	if err != nil {
		return nil, err
	}
	r.session = s
	r.tree = s.Tree()
	r.log = log.With(zap.Stringer("owner", s.Owner()))

	root, _ := engine.Peek(r.tree, signals.ZeroID)
	for key, dst := range map[string]*signals.ID{KeyCounter: &r.counter, KeyItems: &r.items, KeyLock: &r.lock} {
		id, ok := root.MapChildren.Get(key)
		if !ok {
			s.Close()
			return nil, fmt.Errorf("shared node %q is missing, forgot to call Setup?", key)
		}
		*dst = id
	}

	opt := engine.WithLogger(r.log)
	r.itemCount = engine.NewComputed(ctx, func(ctx context.Context) (int, error) {
		d, _ := engine.ReadData(ctx, r.tree, r.items, engine.UsageList)
		return len(d.ListChildren), nil
	}, opt)
	r.effect = engine.NewEffect(ctx, func(ctx context.Context) error {
		engine.ReadValue(ctx, r.tree, r.counter)
		if _, err := r.itemCount.Get(ctx); err != nil {
			return err
		}
		r.effectRuns.Add(1)
		return nil
	}, opt)

	return r, nil
}

func (r *runner) write(ctx context.Context, cmd signals.Command, kind string) {
	r.ops = append(r.ops, engine.WriteOp(ctx, r.tree, cmd))
	mOps.WithLabelValues(kind).Inc()
}

func (r *runner) increment(ctx context.Context) {
	r.write(ctx, signals.IncrementCommand{ID: signals.NewID(), Target: r.counter, Delta: 1}, "increment")
	r.increments++
}

func (r *runner) insert(ctx context.Context) {
	r.write(ctx, signals.InsertCommand{
		ID:       signals.NewID(),
		Target:   r.items,
		Value:    r.session.Owner().String(),
		Position: signals.Last(),
	}, "insert")
	r.inserts++
}

// both increments and inserts in one staged transaction.
func (r *runner) both(ctx context.Context) error {
	op, err := engine.RunInTransaction(ctx, engine.Staged, func(ctx context.Context) error {
		engine.Write(ctx, r.tree, signals.IncrementCommand{ID: signals.NewID(), Target: r.counter, Delta: 1}, nil)
		engine.Write(ctx, r.tree, signals.InsertCommand{
			ID:       signals.NewID(),
			Target:   r.items,
			Value:    r.session.Owner().String(),
			Position: signals.Last(),
		}, nil)
		return nil
	})
	if err != nil {
		return err
	}
	r.ops = append(r.ops, op)
	r.increments++
	r.inserts++
	mOps.WithLabelValues("transaction").Inc()
	return nil
}

// claim tries to take the lock and to become the leader. Only one session gets the lock,
// the others have their claims rejected. Every session ends up with an alias to the same leader node.
func (r *runner) claim(ctx context.Context) {
	r.write(ctx, signals.NewTransaction(
		signals.ValueCondition{ID: signals.NewID(), Target: r.lock, ExpectedValue: nil},
		signals.SetCommand{ID: signals.NewID(), Target: r.lock, Value: r.session.Owner().String()},
	), "claim")

	r.leader = signals.NewID()
	r.write(ctx, signals.PutIfAbsentCommand{
		ID:     r.leader,
		Target: signals.ZeroID,
		Key:    KeyLeader,
		Value:  r.session.Owner().String(),
	}, "leader")
}

func (r *runner) run(ctx context.Context) error {
	if r.cfg.Workload == config.WorkloadMixed {
		r.claim(ctx)
	}

	for i := range r.cfg.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch r.cfg.Workload {
		case config.WorkloadIncrement:
			r.increment(ctx)
		case config.WorkloadInsert:
			r.insert(ctx)
		case config.WorkloadMixed:
			switch {
			case i%10 == 9:
				if err := r.both(ctx); err != nil {
					return err
				}
			case r.rng.IntN(2) == 0:
				r.increment(ctx)
			default:
				r.insert(ctx)
			}
		default:
			return fmt.Errorf("unknown workload %q", r.cfg.Workload)
		}
	}

	r.log.Debug("SessionWorkloadDone", zap.Int("ops", len(r.ops)), zap.Int("pending", r.tree.Pending()))
	return nil
}

func (r *runner) stats(want signals.TreeRevision) SessionStats {
	s := SessionStats{
		Owner:      r.session.Owner(),
		Ops:        len(r.ops),
		EffectRuns: r.effectRuns.Load(),
	}

	for _, op := range r.ops {
		res, ok := op.Result()
		switch {
		case !ok:
			s.Unresolved++
		case res.Successful():
			s.Accepted++
		default:
			s.Rejected++
		}
	}

	if r.leader != signals.ZeroID {
		if d, ok := engine.Peek(r.tree, r.leader); ok {
			s.Leader, _ = d.Value.(string)
		}
	}

	if err := compareRevisions(want, r.tree.Confirmed()); err != nil {
		s.Diverged = fmt.Errorf("confirmed: %w", err)
	} else if err := compareRevisions(want, r.tree.Submitted()); err != nil {
		s.Diverged = fmt.Errorf("submitted: %w", err)
	}

	return s
}

func (r *runner) close() {
	r.effect.Close()
	r.itemCount.Close()
	if err := r.session.Close(); err != nil {
		r.log.Warn("SessionCloseError", zap.Error(err))
	}
}
