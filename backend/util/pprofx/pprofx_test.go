package pprofx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	wantErr := errors.New("work failed")

	var label string
	err := Do(context.Background(), "work", dir, func(ctx context.Context) error {
		label, _ = pprof.Label(ctx, "op")
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, "work", label)

	for _, name := range []string{"trace.out", "cpu.prof", "heap.prof", "goroutine.prof"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}
