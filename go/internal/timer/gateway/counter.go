package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mcdev12/timergate/go/internal/sharedstore"
)

// CounterKey is the shared-store key holding a user's fleet-wide connection count
func CounterKey(userID string) string {
	return userID + "-connections"
}

// ConnectionCounter tracks how many connections a user has open across every
// gateway process. All mutations use the store's atomic INCR/DECR.
//
// The count can drift below zero when a process dies without decrementing.
// Callers treat any value <= 0 as "no active connections"; Clear resets the
// key so the next Increment starts from a correct value again.
type ConnectionCounter struct {
	store sharedstore.Store
}

// NewConnectionCounter creates a counter over store
func NewConnectionCounter(store sharedstore.Store) *ConnectionCounter {
	return &ConnectionCounter{store: store}
}

// Increment records a new connection and returns the updated count
func (c *ConnectionCounter) Increment(ctx context.Context, userID string) (int64, error) {
	n, err := c.store.Incr(ctx, CounterKey(userID))
	if err != nil {
		return 0, fmt.Errorf("increment connection count: %w", err)
	}
	return n, nil
}

// Decrement records a closed connection and returns the updated count
func (c *ConnectionCounter) Decrement(ctx context.Context, userID string) (int64, error) {
	n, err := c.store.Decr(ctx, CounterKey(userID))
	if err != nil {
		return 0, fmt.Errorf("decrement connection count: %w", err)
	}
	return n, nil
}

// Read returns the current count. A missing key reads as zero.
func (c *ConnectionCounter) Read(ctx context.Context, userID string) (int64, error) {
	raw, err := c.store.Get(ctx, CounterKey(userID))
	if errors.Is(err, sharedstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read connection count: %w", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse connection count %q: %w", raw, err)
	}
	return n, nil
}

// Clear deletes the user's counter key
func (c *ConnectionCounter) Clear(ctx context.Context, userID string) error {
	if err := c.store.Del(ctx, CounterKey(userID)); err != nil {
		return fmt.Errorf("clear connection count: %w", err)
	}
	return nil
}
