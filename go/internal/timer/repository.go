package timer

import (
	"context"
	"errors"
	"sync"
)

// ErrTimerNotFound is returned when no durable record exists for a user
var ErrTimerNotFound = errors.New("timer not found")

// Repository stores timer snapshots durably
type Repository interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context, userID string) (Snapshot, error)
	Delete(ctx context.Context, userID string) error
}

// MemoryRepository keeps snapshots in process memory
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snapshots: make(map[string]Snapshot)}
}

func (r *MemoryRepository) Save(_ context.Context, snapshot Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snapshot.UserID] = snapshot
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, userID string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[userID]
	if !ok {
		return Snapshot{}, ErrTimerNotFound
	}
	return s, nil
}

func (r *MemoryRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, userID)
	return nil
}

// Len returns the number of stored snapshots
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots)
}
