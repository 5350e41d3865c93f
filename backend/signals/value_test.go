package signals

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"sigtree/backend/util/colx"
	"sigtree/backend/util/maybe"
)

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		a, b any
		want bool
	}{
		{nil, nil, true},
		{nil, 0, false},
		{"a", "a", true},
		{"a", "b", false},
		{1, 1.0, true},
		{int64(2), float32(2), true},
		{json.Number("3"), 3, true},
		{json.Number("3.5"), 3, false},
		{1, "1", false},
		{[]any{1, "x"}, []any{1.0, "x"}, true},
		{map[string]any{"n": uint8(4)}, map[string]any{"n": 4.0}, true},
		{map[string]any{"n": 4}, map[string]any{"m": 4}, false},
		{true, true, true},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, ValuesEqual(tc.a, tc.b), "%#v == %#v", tc.a, tc.b)
	}
}

func TestNodesEqual(t *testing.T) {
	child := NewID()
	a := Data{
		Parent:       maybe.New(ZeroID),
		Value:        1,
		ListChildren: []ID{child},
		MapChildren:  colx.NewOrderedMap([]string{"k"}, []ID{child}),
	}
	b := a
	b.Value = 1.0

	require.True(t, NodesEqual(a, b))
	require.True(t, NodesEqual(nil, nil))
	require.False(t, NodesEqual(a, nil))
	require.False(t, NodesEqual(a, Alias{Target: child}))
	require.True(t, NodesEqual(Alias{Target: child}, Alias{Target: child}))

	b.LastUpdate = NewID()
	require.False(t, NodesEqual(a, b))
}
