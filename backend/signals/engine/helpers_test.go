package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sigtree/backend/signals"
)

func testOpts() []Option {
	return []Option{WithLogger(zap.NewNop()), WithValidation(true)}
}

func setRoot(v any) signals.SetCommand {
	return signals.SetCommand{ID: signals.NewID(), Target: signals.ZeroID, Value: v}
}

func setNode(id signals.ID, v any) signals.SetCommand {
	return signals.SetCommand{ID: signals.NewID(), Target: id, Value: v}
}

func insertChild(id signals.ID, v any) signals.InsertCommand {
	return signals.InsertCommand{ID: id, Target: signals.ZeroID, Value: v, Position: signals.Last()}
}

func failing() signals.Command {
	return signals.ValueCondition{ID: signals.NewID(), Target: signals.ZeroID, ExpectedValue: "never-matching"}
}

func rootValue(rev signals.TreeRevision) any {
	d, ok := rev.Data(signals.ZeroID)
	if !ok {
		panic("BUG: root is missing")
	}
	return d.Value
}

func nodeValue(t *testing.T, rev signals.TreeRevision, id signals.ID) any {
	t.Helper()
	d, ok := rev.Data(id)
	require.True(t, ok, "node %s must exist", id.Short())
	return d.Value
}

// resultRecorder records the results passed to its handlers.
type resultRecorder struct {
	mu      sync.Mutex
	results map[signals.ID]signals.Result
	order   []signals.ID
}

func (r *resultRecorder) handler(id signals.ID) ResultHandler {
	return func(res signals.Result) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.results == nil {
			r.results = make(map[signals.ID]signals.Result)
		}
		if _, ok := r.results[id]; ok {
			panic("BUG: result reported twice")
		}
		r.results[id] = res
		r.order = append(r.order, id)
	}
}

func (r *resultRecorder) get(id signals.ID) (signals.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

func (r *resultRecorder) requireAccepted(t *testing.T, id signals.ID) {
	t.Helper()
	res, ok := r.get(id)
	require.True(t, ok, "result must be reported")
	require.True(t, res.Accepted(), "result must be accepted: %v", res)
}

func (r *resultRecorder) requireRejected(t *testing.T, id signals.ID, reason string) {
	t.Helper()
	res, ok := r.get(id)
	require.True(t, ok, "result must be reported")
	rej, ok := res.(signals.Reject)
	require.True(t, ok, "result must be rejected")
	require.Equal(t, reason, rej.Reason)
}

func (r *resultRecorder) requireMissing(t *testing.T, id signals.ID) {
	t.Helper()
	_, ok := r.get(id)
	require.False(t, ok, "result must not be reported yet")
}

// submitRecorder is an asynchronous tree submitter remembering the submitted batches.
type submitRecorder struct {
	mu      sync.Mutex
	batches [][]signals.Command
}

func (s *submitRecorder) Submit(cmds []signals.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, cmds)
}

func (s *submitRecorder) submitted() [][]signals.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]signals.Command(nil), s.batches...)
}

// confirmAll confirms everything submitted so far, in order.
func (s *submitRecorder) confirmAll(tree *AsynchronousSignalTree) {
	s.mu.Lock()
	batches := s.batches
	s.batches = nil
	s.mu.Unlock()

	for _, b := range batches {
		tree.Confirm(b)
	}
}

func newAsyncTree() (*AsynchronousSignalTree, *submitRecorder) {
	sub := &submitRecorder{}
	return NewAsynchronousSignalTree(sub, testOpts()...), sub
}

func staged(t *testing.T, ctx context.Context, fn func(ctx context.Context)) *Operation[struct{}] {
	t.Helper()
	op, err := RunInTransaction(ctx, Staged, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	require.NoError(t, err)
	return op
}

func requireOutcome(t *testing.T, op *Operation[struct{}], successful bool) {
	t.Helper()
	r, ok := op.Result()
	require.True(t, ok, "operation must be resolved")
	require.Equal(t, successful, r.Successful(), "unexpected outcome: %q", r.Reason)
}

func requirePending(t *testing.T, op *Operation[struct{}]) {
	t.Helper()
	_, ok := op.Result()
	require.False(t, ok, "operation must not be resolved yet")
}
