package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSubscriber(t *testing.T, bus sharedstore.Bus, registry *ClientRegistry, clock clockwork.Clock) *FanoutSubscriber {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub := NewFanoutSubscriber(bus, registry, DefaultFanoutConfig(), clock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sub
}

func waitReady(t *testing.T, sub *FanoutSubscriber) {
	t.Helper()
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("fanout subscriber never became ready")
	}
}

func TestFanout_EveryLocalConnectionReceivesUpdate(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	registry := NewClientRegistry()
	a := newFakeConn("a", "u1")
	b := newFakeConn("b", "u1")
	other := newFakeConn("c", "u2")
	registry.Register("u1", a)
	registry.Register("u1", b)
	registry.Register("u2", other)

	waitReady(t, startSubscriber(t, store, registry, nil))

	snapshot := json.RawMessage(`{"userId":"u1","status":"running","elapsedMs":0}`)
	require.NoError(t, NewFanoutPublisher(store, "").Publish(context.Background(), "u1", snapshot))

	assert.Eventually(t, func() bool {
		return len(a.Frames()) == 1 && len(b.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.Frames(), b.Frames())
	assert.Equal(t, string(snapshot), a.Frames()[0])
	assert.Empty(t, other.Frames())
}

func TestFanout_MalformedEnvelopeIsSkipped(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	registry := NewClientRegistry()
	conn := newFakeConn("a", "u1")
	registry.Register("u1", conn)

	waitReady(t, startSubscriber(t, store, registry, nil))

	ctx := context.Background()
	require.NoError(t, store.Publish(ctx, DefaultFanoutChannel, []byte("not json")))
	require.NoError(t, store.Publish(ctx, DefaultFanoutChannel, []byte(`{"timerObject":{}}`)))
	require.NoError(t, store.Publish(ctx, DefaultFanoutChannel, []byte(`{"userId":"u1","timerObject":{"status":"paused"}}`)))

	assert.Eventually(t, func() bool { return len(conn.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"status":"paused"}`, conn.Frames()[0])
}

func TestFanout_PublishEnvelopeShape(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	sub, err := store.Subscribe(context.Background(), "custom")
	require.NoError(t, err)
	defer sub.Close()

	pub := NewFanoutPublisher(store, "custom")
	require.NoError(t, pub.Publish(context.Background(), "u9", json.RawMessage(`{"a":1}`)))

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"userId":"u9","timerObject":{"a":1}}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestFanout_PublishFailure(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	down := errors.New("connection refused")
	store.SetFailure(down)

	err := NewFanoutPublisher(store, "").Publish(context.Background(), "u1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, down)
}

// flakyBus fails the first n Subscribe calls
type flakyBus struct {
	*sharedstore.MemoryStore
	failures atomic.Int32
	attempts atomic.Int32
}

func (b *flakyBus) Subscribe(ctx context.Context, channel string) (sharedstore.Subscription, error) {
	b.attempts.Add(1)
	if b.failures.Add(-1) >= 0 {
		return nil, errors.New("subscribe refused")
	}
	return b.MemoryStore.Subscribe(ctx, channel)
}

func TestFanout_SubscribeRetriesWithBackoff(t *testing.T) {
	bus := &flakyBus{MemoryStore: sharedstore.NewMemoryStore()}
	bus.failures.Store(2)
	clock := clockwork.NewFakeClock()

	sub := startSubscriber(t, bus, NewClientRegistry(), clock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := DefaultFanoutConfig()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.RetryInitial)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * cfg.RetryInitial)

	waitReady(t, sub)
	assert.Equal(t, int32(3), bus.attempts.Load())
}

func TestFanout_ResubscribesAfterSubscriptionEnds(t *testing.T) {
	store := sharedstore.NewMemoryStore()
	registry := NewClientRegistry()
	conn := newFakeConn("a", "u1")
	registry.Register("u1", conn)
	clock := clockwork.NewFakeClock()

	waitReady(t, startSubscriber(t, store, registry, clock))
	require.Equal(t, 1, store.Subscribers(DefaultFanoutChannel))

	// drops every subscription, like a lost Redis connection
	require.NoError(t, store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultFanoutConfig().RetryInitial)

	assert.Eventually(t, func() bool {
		return store.Subscribers(DefaultFanoutChannel) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, NewFanoutPublisher(store, "").Publish(context.Background(), "u1", json.RawMessage(`{"n":2}`)))
	assert.Eventually(t, func() bool { return len(conn.Frames()) == 1 }, time.Second, 5*time.Millisecond)
}
