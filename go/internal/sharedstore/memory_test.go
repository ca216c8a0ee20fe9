package sharedstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrDecr_MissingKeyStartsAtZero(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.Decr(ctx, "u1-connections")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	n, err = s.Incr(ctx, "u2-connections")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_Incr_ConcurrentIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Incr(ctx, "k")
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "50", string(raw))
}

func TestMemoryStore_GetSetDel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.Del(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SetWithTTLExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	now = now.Add(2 * time.Second)

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PublishReachesEverySubscriber(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sub1, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)
	sub2, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)
	other, err := s.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "ch", []byte("hello")))

	assert.Equal(t, []byte("hello"), <-sub1.Messages())
	assert.Equal(t, []byte("hello"), <-sub2.Messages())
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other channel: %s", msg)
	default:
	}
}

func TestMemoryStore_CloseSubscriptionClosesMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sub, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers("ch"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, s.Subscribers("ch"))

	_, ok := <-sub.Messages()
	assert.False(t, ok)

	// Publishing with nobody listening is fine
	require.NoError(t, s.Publish(ctx, "ch", []byte("x")))
}

func TestMemoryStore_StalledSubscriberDoesNotBlockPublish(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stalled, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)
	healthy, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)

	const sent = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range sent {
			assert.NoError(t, s.Publish(ctx, "ch", []byte{byte(i)}))
			if i%2 == 0 {
				// keep the healthy subscriber drained
				<-healthy.Messages()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, stalled.Messages(), cap(stalled.Messages()), "stalled buffer is full, the rest were dropped")
}

func TestMemoryStore_SetFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	down := errors.New("connection refused")
	s.SetFailure(down)

	_, err := s.Incr(ctx, "k")
	assert.ErrorIs(t, err, down)
	assert.ErrorIs(t, s.Publish(ctx, "ch", nil), down)
	assert.ErrorIs(t, s.Ping(ctx), down)

	s.SetFailure(nil)
	_, err = s.Incr(ctx, "k")
	assert.NoError(t, err)
}
