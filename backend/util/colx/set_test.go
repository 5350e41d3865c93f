package colx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashSet_ZeroValue(t *testing.T) {
	var hs HashSet[string]

	require.False(t, hs.Has("test"))
	require.Nil(t, hs.Slice())
	require.Equal(t, 0, hs.Len())

	hs.Delete("nonexistent")
}

func TestHashSet_PutDelete(t *testing.T) {
	var hs HashSet[int]

	require.True(t, hs.Put(1))
	require.False(t, hs.Put(1))

	hs.PutMany(2, 3, 2)
	require.Equal(t, 3, hs.Len())
	require.ElementsMatch(t, []int{1, 2, 3}, hs.Slice())

	hs.Delete(2)
	require.False(t, hs.Has(2))
	require.True(t, hs.Has(3))
}
