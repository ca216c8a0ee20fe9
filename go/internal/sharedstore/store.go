package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

// ErrSubscriptionClosed is returned when reading from a closed subscription
var ErrSubscriptionClosed = errors.New("subscription closed")

// Store is the key/value half of the shared store used across gateway processes.
// Incr and Decr must be atomic on the backing server, never read-then-write.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// Bus is the broadcast half of the shared store. Every subscriber on a
// channel receives every message published to it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers messages for a single channel until closed.
// Messages is closed when the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Pinger is implemented by backends that can report their own reachability.
// A Bus that is not also the Store should implement it so readiness covers it.
type Pinger interface {
	Ping(ctx context.Context) error
}
