package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sigtree/backend/config"
	"sigtree/backend/signals"
	"sigtree/backend/signals/engine"
	"sigtree/backend/util/maybe"
)

func testConfig() config.Hub {
	cfg := config.Hub{}.Default()
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.Validate = true
	return cfg
}

func newTestHub(t *testing.T, cfg config.Hub) *Hub {
	t.Helper()
	h := New(cfg, WithLogger(zap.NewNop()))
	t.Cleanup(func() {
		require.NoError(t, h.Close())
	})
	return h
}

func connect(t *testing.T, h *Hub, opts ...SessionOption) *Session {
	t.Helper()
	s, err := h.Connect(context.Background(), signals.NewID(), opts...)
	require.NoError(t, err)
	return s
}

func flush(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Flush(ctx))
}

func rootValue(rev signals.TreeRevision) any {
	d, _ := rev.Data(signals.ZeroID)
	return d.Value
}

func setRoot(v any) signals.SetCommand {
	return signals.SetCommand{ID: signals.NewID(), Target: signals.ZeroID, Value: v}
}

func requireSameNodes(t *testing.T, want, got signals.TreeRevision) {
	t.Helper()
	require.Equal(t, want.Len(), got.Len(), "number of nodes must match")
	for id, n := range want.Nodes() {
		other, ok := got.Node(id)
		require.True(t, ok, "node %s is missing", id.Short())
		require.True(t, signals.NodesEqual(n, other), "node %s differs: %v != %v", id.Short(), n, other)
	}
}

func TestConnectSeedsState(t *testing.T) {
	h := newTestHub(t, testConfig())
	child := signals.NewID()
	require.NoError(t, h.Apply(
		setRoot("root"),
		signals.InsertCommand{ID: child, Target: signals.ZeroID, Value: "child", Position: signals.Last()},
	))

	s := connect(t, h)
	require.Equal(t, 1, h.Sessions())
	require.Equal(t, "root", rootValue(s.Tree().Confirmed()))
	requireSameNodes(t, h.Tree().Confirmed(), s.Tree().Confirmed())
	requireSameNodes(t, h.Tree().Confirmed(), s.Tree().Submitted())
}

func TestLocalChangeIsConfirmedEverywhere(t *testing.T) {
	h := newTestHub(t, testConfig())
	s1 := connect(t, h)
	s2 := connect(t, h)

	var accepted atomic.Bool
	s1.Tree().CommitSingleCommand(setRoot("value"), func(r signals.Result) {
		accepted.Store(r.Accepted())
	})
	require.Equal(t, "value", rootValue(h.Tree().Confirmed()), "hub applies submitted batches right away")

	flush(t, h)
	require.True(t, accepted.Load())
	require.Equal(t, 0, s1.Tree().Pending())
	require.Equal(t, "value", rootValue(s1.Tree().Confirmed()))
	require.Equal(t, "value", rootValue(s2.Tree().Confirmed()))
}

func TestConflictingChanges(t *testing.T) {
	h := newTestHub(t, testConfig())
	s1 := connect(t, h)
	s2 := connect(t, h)

	replaceNil := func(v string) signals.Command {
		return signals.NewTransaction(
			signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID, ExpectedValue: nil},
			setRoot(v),
		)
	}

	var r1, r2 atomic.Value
	s1.Tree().CommitSingleCommand(replaceNil("first"), func(r signals.Result) { r1.Store(r) })
	s2.Tree().CommitSingleCommand(replaceNil("second"), func(r signals.Result) { r2.Store(r) })

	flush(t, h)
	require.True(t, r1.Load().(signals.Result).Accepted())
	require.False(t, r2.Load().(signals.Result).Accepted())

	for _, s := range []*Session{s1, s2} {
		require.Equal(t, "first", rootValue(s.Tree().Submitted()))
		requireSameNodes(t, h.Tree().Confirmed(), s.Tree().Confirmed())
	}
}

func TestCloseRemovesOwnedNodes(t *testing.T) {
	h := newTestHub(t, testConfig())
	s1 := connect(t, h)
	s2 := connect(t, h)

	owned := signals.NewID()
	s1.Tree().CommitSingleCommand(signals.InsertCommand{
		ID:       owned,
		Target:   signals.ZeroID,
		Owner:    maybe.New(s1.Owner()),
		Value:    "cursor",
		Position: signals.Last(),
	}, nil)
	shared := signals.NewID()
	s1.Tree().CommitSingleCommand(signals.InsertCommand{
		ID:       shared,
		Target:   signals.ZeroID,
		Value:    "shared",
		Position: signals.Last(),
	}, nil)
	flush(t, h)

	_, ok := s2.Tree().Confirmed().Data(owned)
	require.True(t, ok)

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close(), "closing twice is fine")
	flush(t, h)

	require.Equal(t, 1, h.Sessions())
	_, ok = h.Tree().Confirmed().Data(owned)
	require.False(t, ok)
	_, ok = s2.Tree().Confirmed().Data(owned)
	require.False(t, ok)
	_, ok = s2.Tree().Confirmed().Data(shared)
	require.True(t, ok)

	// Changes made after closing never reach the hub.
	s1.Tree().CommitSingleCommand(setRoot("late"), nil)
	require.Nil(t, rootValue(h.Tree().Confirmed()))
}

func TestDuplicateOwner(t *testing.T) {
	h := newTestHub(t, testConfig())
	s := connect(t, h)

	_, err := h.Connect(context.Background(), s.Owner())
	require.ErrorIs(t, err, ErrDuplicateOwner)
}

func TestContextClosesSession(t *testing.T) {
	h := newTestHub(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.Connect(ctx, signals.NewID())
	require.NoError(t, err)
	require.Equal(t, 1, h.Sessions())

	cancel()
	require.Eventually(t, func() bool { return h.Sessions() == 0 }, 5*time.Second, time.Millisecond)
}

func TestRedelivery(t *testing.T) {
	h := newTestHub(t, testConfig())

	var failures atomic.Int32
	flaky := func(next Link) Link {
		return LinkFunc(func(ctx context.Context, cmds []signals.Command) error {
			if failures.Add(1) <= 2 {
				return errors.New("connection reset")
			}
			return next.Deliver(ctx, cmds)
		})
	}

	s := connect(t, h, WithLink(flaky))
	require.NoError(t, h.Apply(setRoot("value")))

	flush(t, h)
	require.Equal(t, "value", rootValue(s.Tree().Confirmed()))
	require.Equal(t, int32(3), failures.Load())
	require.Equal(t, 1, h.Sessions())
}

func TestDeliveryFailureDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := newTestHub(t, cfg)

	broken := func(Link) Link {
		return LinkFunc(func(context.Context, []signals.Command) error {
			return errors.New("unreachable")
		})
	}

	s := connect(t, h, WithLink(broken))
	healthy := connect(t, h)

	owned := signals.NewID()
	require.NoError(t, h.Apply(signals.InsertCommand{
		ID:       owned,
		Target:   signals.ZeroID,
		Owner:    maybe.New(s.Owner()),
		Position: signals.Last(),
	}))

	require.Eventually(t, func() bool { return h.Sessions() == 1 }, 5*time.Second, time.Millisecond)
	flush(t, h)

	_, ok := healthy.Tree().Confirmed().Data(owned)
	require.False(t, ok, "nodes of the disconnected session must be removed")
}

func TestClosedHub(t *testing.T) {
	h := New(testConfig(), WithLogger(zap.NewNop()))
	s, err := h.Connect(context.Background(), signals.NewID())
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Equal(t, 0, h.Sessions())

	_, err = h.Connect(context.Background(), signals.NewID())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.Apply(setRoot("value")), ErrClosed)

	s.Tree().CommitSingleCommand(setRoot("value"), nil)
	require.Nil(t, rootValue(h.Tree().Confirmed()))
}

func TestConcurrentSessionsConverge(t *testing.T) {
	const (
		sessions = 4
		ops      = 50
	)

	h := newTestHub(t, testConfig())

	var wg sync.WaitGroup
	all := make([]*Session, sessions)
	for i := range all {
		all[i] = connect(t, h)
	}

	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range ops {
				s.Tree().CommitSingleCommand(signals.IncrementCommand{ID: signals.NewID(), Target: signals.ZeroID, Delta: 1}, nil)
			}
		}()
	}
	wg.Wait()
	flush(t, h)

	require.True(t, signals.ValuesEqual(sessions*ops, rootValue(h.Tree().Confirmed())))
	for _, s := range all {
		require.Equal(t, 0, s.Tree().Pending())
		requireSameNodes(t, h.Tree().Confirmed(), s.Tree().Confirmed())
		requireSameNodes(t, h.Tree().Confirmed(), s.Tree().Submitted())
	}
}

func TestEffectOnSession(t *testing.T) {
	h := newTestHub(t, testConfig())
	s := connect(t, h)

	var mu sync.Mutex
	var seen []any
	e := engine.NewEffect(context.Background(), func(ctx context.Context) error {
		v, _ := engine.ReadValue(ctx, s.Tree(), signals.ZeroID)
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return nil
	}, engine.WithLogger(zap.NewNop()))
	defer e.Close()

	require.NoError(t, h.Apply(setRoot("remote")))
	flush(t, h)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []any{nil, "remote"}, seen)
}
