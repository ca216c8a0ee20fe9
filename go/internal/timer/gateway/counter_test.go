package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "42-connections", CounterKey("42"))
}

func TestConnectionCounter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := sharedstore.NewMemoryStore()
	c := NewConnectionCounter(store)

	n, err := c.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "missing key reads as zero")

	n, err = c.Increment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Increment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, err := store.Get(ctx, "u1-connections")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))

	n, err = c.Decrement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Clear(ctx, "u1"))
	n, err = c.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestConnectionCounter_UnderflowIsTolerated(t *testing.T) {
	ctx := context.Background()
	c := NewConnectionCounter(sharedstore.NewMemoryStore())

	n, err := c.Decrement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	require.NoError(t, c.Clear(ctx, "u1"))
	n, err = c.Increment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "clear re-establishes a correct count")
}

func TestConnectionCounter_StoreDown(t *testing.T) {
	ctx := context.Background()
	store := sharedstore.NewMemoryStore()
	down := errors.New("dial tcp: connection refused")
	store.SetFailure(down)
	c := NewConnectionCounter(store)

	_, err := c.Increment(ctx, "u1")
	assert.ErrorIs(t, err, down)
	_, err = c.Decrement(ctx, "u1")
	assert.ErrorIs(t, err, down)
	_, err = c.Read(ctx, "u1")
	assert.ErrorIs(t, err, down)
	assert.ErrorIs(t, c.Clear(ctx, "u1"), down)
}
