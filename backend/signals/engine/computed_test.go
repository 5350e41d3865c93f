package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"sigtree/backend/signals"
)

func TestComputedIsLazyAndCached(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "value")

	var count int
	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		count++
		return read(ctx, tree, node).(string) + "!", nil
	}, testOpts()...)
	require.Equal(t, 0, count)

	v, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "value!", v)

	v, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "value!", v)
	require.Equal(t, 1, count)

	write(ctx, tree, node, "update")
	require.Equal(t, 2, count, "value must be recomputed when dependency changes")

	v, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "update!", v)
	require.Equal(t, 2, count)
}

func TestComputedNotifiesOnlyOnRealChange(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, 1)

	c := NewComputed(ctx, func(ctx context.Context) (bool, error) {
		n := read(ctx, tree, node)
		return signals.ValuesEqual(n, 1) || signals.ValuesEqual(n, 3), nil
	}, testOpts()...)

	var invocations []bool
	NewEffect(ctx, func(ctx context.Context) error {
		v, err := c.Get(ctx)
		invocations = append(invocations, v)
		return err
	}, testOpts()...)
	require.Equal(t, []bool{true}, invocations)

	write(ctx, tree, node, 3)
	require.Equal(t, []bool{true}, invocations)

	write(ctx, tree, node, 2)
	require.Equal(t, []bool{true, false}, invocations)

	write(ctx, tree, node, 4)
	require.Equal(t, []bool{true, false}, invocations)
}

func TestComputedChain(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, 1)

	double := NewComputed(ctx, func(ctx context.Context) (float64, error) {
		v, _ := ReadValue(ctx, tree, node)
		return float64(v.(int)) * 2, nil
	}, testOpts()...)
	plusOne := NewComputed(ctx, func(ctx context.Context) (float64, error) {
		v, err := double.Get(ctx)
		return v + 1, err
	}, testOpts()...)

	v, err := plusOne.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 3.0, v)

	write(ctx, tree, node, 5)
	v, err = plusOne.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 11.0, v)
}

func TestComputedError(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "ok")

	var count int
	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		count++
		v := read(ctx, tree, node).(string)
		if v == "fail" {
			return "", errors.New("failed to compute")
		}
		return v, nil
	}, testOpts()...)

	v, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	write(ctx, tree, node, "fail")
	_, err = c.Get(ctx)
	require.EqualError(t, err, "failed to compute")
	_, err = c.Get(ctx)
	require.EqualError(t, err, "failed to compute")
	require.Equal(t, 2, count, "errors are cached like values")

	write(ctx, tree, node, "fine")
	v, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "fine", v)
}

func TestComputedInTransaction(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "before")

	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		return read(ctx, tree, node).(string), nil
	}, testOpts()...)

	_, err := RunInTransaction(ctx, Staged, func(ctx context.Context) error {
		write(ctx, tree, node, "staged")

		v, err := c.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "staged", v)

		v, err = c.Peek()
		require.NoError(t, err)
		require.Equal(t, "before", v, "cached value must not see staged changes")

		return errors.New("rollback")
	})
	require.EqualError(t, err, "rollback")

	v, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "before", v)
}

func TestComputedCannotWrite(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "value")

	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		write(ctx, tree, node, "changed")
		return "", nil
	}, testOpts()...)

	requireIllegalState(t, func() { _, _ = c.Get(ctx) })
	require.Equal(t, "value", nodeValue(t, tree.Confirmed(), node))
}

func TestComputedUsages(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "value")

	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		return read(ctx, tree, node).(string), nil
	}, testOpts()...)

	usages, err := Track(ctx, func(ctx context.Context) error {
		_, err := c.Get(ctx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, usages, 1, "only the computed value itself is a usage")
	require.False(t, usages.HasChanges())

	write(ctx, tree, node, "update")
	require.True(t, usages.HasChanges())

	usages, err = Track(ctx, func(context.Context) error {
		_, err := c.Peek()
		return err
	})
	require.NoError(t, err)
	require.Empty(t, usages)
}

func TestComputedClose(t *testing.T) {
	ctx := context.Background()
	tree := NewSynchronousSignalTree(testOpts()...)
	node := valueNode(tree, "value")

	var count int
	c := NewComputed(ctx, func(ctx context.Context) (string, error) {
		count++
		return read(ctx, tree, node).(string), nil
	}, testOpts()...)

	_, _ = c.Get(ctx)
	c.Close()

	write(ctx, tree, node, "update")
	require.Equal(t, 1, count, "closed value doesn't listen for changes")

	v, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "update", v)
	_, _ = c.Get(ctx)
	require.Equal(t, 3, count)
}
