package colx

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceMap(t *testing.T) {
	require.Equal(t, []string{"1", "2"}, SliceMap([]int{1, 2}, strconv.Itoa))
}

func TestSliceInsertCopy(t *testing.T) {
	in := []string{"a", "c"}

	require.Equal(t, []string{"x", "a", "c"}, SliceInsertCopy(in, 0, "x"))
	require.Equal(t, []string{"a", "b", "c"}, SliceInsertCopy(in, 1, "b"))
	require.Equal(t, []string{"a", "c", "d"}, SliceInsertCopy(in, 2, "d"))
	require.Equal(t, []string{"a", "c"}, in)
	require.Equal(t, []string{"a"}, SliceInsertCopy[string](nil, 0, "a"))
}

func TestSliceRemoveCopy(t *testing.T) {
	in := []string{"a", "b", "c"}

	require.Equal(t, []string{"a", "c"}, SliceRemoveCopy(in, "b"))
	require.Equal(t, []string{"a", "b", "c"}, in)
	require.Equal(t, []string{"a", "b", "c"}, SliceRemoveCopy(in, "z"))
	require.Nil(t, SliceRemoveCopy([]string{"a"}, "a"))
}
