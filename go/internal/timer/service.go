package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/mcdev12/timergate/go/internal/timer/gateway"
	"github.com/rs/zerolog/log"
)

// Publisher sends a user's latest snapshot to every gateway process
type Publisher interface {
	Publish(ctx context.Context, userID string, snapshot json.RawMessage) error
}

// Config holds configuration for the timer service
type Config struct {
	// KeyPrefix is prepended to the user id to form the shared-store key
	KeyPrefix   string        `yaml:"key_prefix"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// DefaultConfig returns default timer service configuration
func DefaultConfig() Config {
	return Config{
		SnapshotTTL: 24 * time.Hour,
	}
}

const lockStripes = 64

// Service keeps live timers in the shared store and flushes them to the
// repository. Operations on one user are serialized within this process.
type Service struct {
	store     sharedstore.Store
	repo      Repository
	publisher Publisher
	clock     clockwork.Clock
	config    Config

	locks [lockStripes]sync.Mutex
}

var _ gateway.TimerService = (*Service)(nil)

// NewService creates a timer service
func NewService(store sharedstore.Store, repo Repository, publisher Publisher, clock clockwork.Clock, config Config) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:     store,
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		config:    config,
	}
}

func (s *Service) key(userID string) string {
	return s.config.KeyPrefix + userID
}

func (s *Service) lock(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// StartTimerByUserID starts a new timer, resumes a paused one, or with
// RestartTimerWithSync discards the current timer and starts from zero
func (s *Service) StartTimerByUserID(ctx context.Context, userID string, opts gateway.StartOptions) error {
	defer s.lock(userID)()

	now := s.clock.Now().UTC()
	current, found, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	var next Snapshot
	switch {
	case !found || opts.RestartTimerWithSync || current.Status == StatusStopped:
		next = Snapshot{
			UserID:    userID,
			Status:    StatusRunning,
			StartedAt: now,
			UpdatedAt: now,
		}
	case current.Status == StatusPaused:
		next = current
		next.Status = StatusRunning
		next.IsUserPaused = false
		next.IsApplicationPaused = false
		next.UpdatedAt = now
	default:
		next = current.At(now)
	}

	if err := s.storeSnapshot(ctx, next); err != nil {
		return err
	}
	s.publish(ctx, next)
	return nil
}

// PauseTimerByUserID stops a running timer from accruing. Pausing a user
// without a timer is a no-op.
func (s *Service) PauseTimerByUserID(ctx context.Context, userID string, opts gateway.PauseOptions) error {
	defer s.lock(userID)()

	now := s.clock.Now().UTC()
	current, found, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if !found || current.Status == StatusStopped {
		log.Debug().Str("user_id", userID).Msg("pause requested without an active timer")
		return nil
	}

	next := current.At(now)
	next.Status = StatusPaused
	next.IsUserPaused = opts.IsUserPaused
	next.IsApplicationPaused = opts.IsApplicationPaused
	next.UpdatedAt = now

	if err := s.storeSnapshot(ctx, next); err != nil {
		return err
	}
	if opts.SaveTimerData {
		if err := s.repo.Save(ctx, next); err != nil {
			return fmt.Errorf("save paused timer: %w", err)
		}
	}
	s.publish(ctx, next)
	return nil
}

// RemoveTimerByUserID deletes the live and durable timer and publishes a stopped snapshot
func (s *Service) RemoveTimerByUserID(ctx context.Context, userID string, _ gateway.RemoveOptions) error {
	defer s.lock(userID)()

	if err := s.store.Del(ctx, s.key(userID)); err != nil {
		return fmt.Errorf("delete live timer: %w", err)
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete stored timer: %w", err)
	}

	s.publish(ctx, stoppedSnapshot(userID, s.clock.Now().UTC()))
	return nil
}

// GetTimerByUserID returns the user's current snapshot, or a stopped snapshot
// when the user has no timer
func (s *Service) GetTimerByUserID(ctx context.Context, userID string, _ gateway.GetOptions) (json.RawMessage, error) {
	defer s.lock(userID)()

	now := s.clock.Now().UTC()
	current, found, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return stoppedSnapshot(userID, now).encode()
	}
	return current.At(now).encode()
}

// PersistTimerByUserID writes the live timer to the repository and removes
// it from the shared store. A running timer is stored as application paused
// so time does not accrue while the user has no connections.
func (s *Service) PersistTimerByUserID(ctx context.Context, userID string) error {
	defer s.lock(userID)()

	raw, err := s.store.Get(ctx, s.key(userID))
	if errors.Is(err, sharedstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read live timer: %w", err)
	}
	current, err := decodeSnapshot(raw)
	if err != nil {
		return fmt.Errorf("decode live timer: %w", err)
	}

	now := s.clock.Now().UTC()
	next := current.At(now)
	if next.Status == StatusRunning {
		next.Status = StatusPaused
		next.IsApplicationPaused = true
	}

	if err := s.repo.Save(ctx, next); err != nil {
		return fmt.Errorf("persist timer: %w", err)
	}
	if err := s.store.Del(ctx, s.key(userID)); err != nil {
		return fmt.Errorf("clear live timer: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("status", string(next.Status)).
		Int64("elapsed_ms", next.ElapsedMs).
		Msg("timer persisted")
	return nil
}

// load reads the live snapshot, falling back to the repository and
// rehydrating the shared store from it
func (s *Service) load(ctx context.Context, userID string) (Snapshot, bool, error) {
	raw, err := s.store.Get(ctx, s.key(userID))
	switch {
	case err == nil:
		snapshot, err := decodeSnapshot(raw)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("decode live timer: %w", err)
		}
		return snapshot, true, nil
	case !errors.Is(err, sharedstore.ErrNotFound):
		return Snapshot{}, false, fmt.Errorf("read live timer: %w", err)
	}

	snapshot, err := s.repo.Load(ctx, userID)
	if errors.Is(err, ErrTimerNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	if err := s.storeSnapshot(ctx, snapshot); err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *Service) storeSnapshot(ctx context.Context, snapshot Snapshot) error {
	data, err := snapshot.encode()
	if err != nil {
		return fmt.Errorf("encode timer: %w", err)
	}
	if err := s.store.Set(ctx, s.key(snapshot.UserID), data, s.config.SnapshotTTL); err != nil {
		return fmt.Errorf("store live timer: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, snapshot Snapshot) {
	if s.publisher == nil {
		return
	}
	data, err := snapshot.encode()
	if err == nil {
		err = s.publisher.Publish(ctx, snapshot.UserID, data)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", snapshot.UserID).
			Msg("failed to publish timer update")
	}
}
