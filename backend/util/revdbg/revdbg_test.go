package revdbg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sigtree/backend/signals"
	"sigtree/backend/util/maybe"
)

func TestRender(t *testing.T) {
	rev := signals.NewMutableTreeRevision(signals.NewSnapshot(signals.NewID()))

	child := signals.NewID()
	rev.ApplyAll([]signals.Command{
		signals.SetCommand{ID: signals.NewID(), Target: signals.ZeroID, Value: map[string]any{"title": "hello"}},
		signals.InsertCommand{ID: child, Target: signals.ZeroID, Owner: maybe.New(rev.OwnerID()), Value: 42, Position: signals.Last()},
		signals.PutCommand{ID: signals.NewID(), Target: child, Key: "key", Value: true},
	})

	var sb strings.Builder
	Print(&sb, rev)
	out := sb.String()

	require.Contains(t, out, "root")
	require.Contains(t, out, `{"title":"hello"}`)
	require.Contains(t, out, child.Short())
	require.Contains(t, out, "key: ")
	require.Contains(t, out, "42")

	sb.Reset()
	Render(&sb, rev, FormatHTML)
	require.True(t, strings.HasPrefix(sb.String(), "<table"), "html output: %s", sb.String())
}

func TestRenderMatching(t *testing.T) {
	rev := signals.NewMutableTreeRevision(signals.NewSnapshot(signals.NewID()))

	list := signals.NewID()
	item := signals.NewID()
	rev.ApplyAll([]signals.Command{
		signals.PutCommand{ID: list, Target: signals.ZeroID, Key: "groceries", Value: "shopping"},
		signals.InsertCommand{ID: item, Target: list, Owner: maybe.New(rev.OwnerID()), Value: "bananas", Position: signals.Last()},
	})

	var sb strings.Builder
	RenderMatching(&sb, rev, FormatText, "bnns")
	out := sb.String()
	require.Contains(t, out, "bananas")
	require.Contains(t, out, `1 matching "bnns"`)
	require.NotContains(t, out, "shopping")

	sb.Reset()
	RenderMatching(&sb, rev, FormatText, "grcrs")
	require.Contains(t, sb.String(), "root", "map keys are searchable")
	require.NotContains(t, sb.String(), "bananas")

	sb.Reset()
	RenderMatching(&sb, rev, FormatText, "zzzz")
	require.Contains(t, sb.String(), `0 matching "zzzz"`)

	sb.Reset()
	RenderMatching(&sb, rev, FormatText, "  ")
	require.Contains(t, sb.String(), "bananas")
	require.Contains(t, sb.String(), "shopping")
}
