package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	store      *sharedstore.MemoryStore
	registry   *ClientRegistry
	counter    *ConnectionCounter
	timers     *fakeTimerService
	exceptions *recordingExceptions
	reconciler *Reconciler
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		store:      sharedstore.NewMemoryStore(),
		registry:   NewClientRegistry(),
		timers:     &fakeTimerService{},
		exceptions: &recordingExceptions{},
	}
	f.counter = NewConnectionCounter(f.store)
	f.reconciler = NewReconciler(f.registry, f.counter, f.timers, f.exceptions)
	return f
}

func (f *reconcilerFixture) connect(t *testing.T, id, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id, userID)
	f.registry.Register(userID, conn)
	_, err := f.counter.Increment(context.Background(), userID)
	require.NoError(t, err)
	return conn
}

func TestReconciler_NonLastCloseKeepsTimer(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	a := f.connect(t, "a", "u1")
	f.connect(t, "b", "u1")

	result := f.reconciler.OnClose(ctx, a, true)

	assert.Equal(t, CloseResult{Remaining: 1, CounterKnown: true}, result)
	assert.Equal(t, 1, a.stopped)
	assert.Equal(t, 1, f.registry.Count("u1"))
	assert.Equal(t, 0, f.timers.CallsTo("persist"))

	n, err := f.counter.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconciler_LastClosePersistsOnceAndClears(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	a := f.connect(t, "a", "u1")
	b := f.connect(t, "b", "u1")

	f.reconciler.OnClose(ctx, a, true)
	result := f.reconciler.OnClose(ctx, b, true)

	assert.True(t, result.Persisted)
	assert.Equal(t, int64(0), result.Remaining)
	assert.Equal(t, []timerCall{{Method: "persist", UserID: "u1"}}, f.timers.Calls())
	assert.Equal(t, 0, f.registry.Size())

	_, err := f.store.Get(ctx, CounterKey("u1"))
	assert.ErrorIs(t, err, sharedstore.ErrNotFound, "counter key is cleared")
	assert.Empty(t, f.exceptions.Operations())
}

func TestReconciler_UncountedCloseLeavesCounterAlone(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	f.connect(t, "a", "u1")

	// b was served while the store was down, so its increment never landed
	b := newFakeConn("b", "u1")
	f.registry.Register("u1", b)

	result := f.reconciler.OnClose(ctx, b, false)

	assert.Equal(t, CloseResult{}, result)
	assert.Equal(t, 1, b.stopped)
	assert.Equal(t, 1, f.registry.Count("u1"))
	assert.Equal(t, 0, f.timers.CallsTo("persist"))
	assert.Empty(t, f.exceptions.Operations())

	n, err := f.counter.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the counted connection is still accounted for")
}

func TestReconciler_UnderflowCountsAsLast(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	conn := newFakeConn("a", "u1")
	f.registry.Register("u1", conn)

	// the increment landed but the key was reset underneath it, e.g. by a
	// crashed process's last-close clear
	result := f.reconciler.OnClose(ctx, conn, true)

	assert.Equal(t, int64(-1), result.Remaining)
	assert.True(t, result.Persisted)
	n, err := f.counter.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReconciler_StoreDownSkipsPersist(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	conn := f.connect(t, "a", "u1")
	f.store.SetFailure(errors.New("connection refused"))

	result := f.reconciler.OnClose(ctx, conn, true)

	assert.False(t, result.CounterKnown)
	assert.False(t, result.Persisted)
	assert.Equal(t, 1, conn.stopped)
	assert.Equal(t, 0, f.registry.Count("u1"), "local bookkeeping still runs")
	assert.Equal(t, 0, f.timers.CallsTo("persist"))
	assert.Equal(t, []string{"decrement_connections"}, f.exceptions.Operations())
}

func TestReconciler_PersistFailureStillClearsCounter(t *testing.T) {
	f := newReconcilerFixture()
	ctx := context.Background()
	conn := f.connect(t, "a", "u1")
	f.timers.err = errors.New("postgres: too many connections")

	result := f.reconciler.OnClose(ctx, conn, true)

	assert.True(t, result.Persisted)
	assert.Equal(t, []string{"persist_timer"}, f.exceptions.Operations())
	_, err := f.store.Get(ctx, CounterKey("u1"))
	assert.ErrorIs(t, err, sharedstore.ErrNotFound)
}

func TestReconciler_PersistPanicIsContained(t *testing.T) {
	f := newReconcilerFixture()
	conn := f.connect(t, "a", "u1")
	f.timers.panicMsg = "boom"

	assert.NotPanics(t, func() {
		f.reconciler.OnClose(context.Background(), conn, true)
	})
	require.Len(t, f.exceptions.errs, 1)
	assert.ErrorIs(t, f.exceptions.errs[0], ErrTimerServicePanic)
}
