package sharedstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store and Bus. Several gateways sharing one
// MemoryStore behave like several processes sharing one Redis.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	subs    map[string]map[*memorySubscription]struct{}
	failure error
	now     func() time.Time
}

type memoryValue struct {
	data     []byte
	expireAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		now:    time.Now,
	}
}

// SetFailure makes every subsequent operation fail with err until called with nil.
// Used to simulate the shared store being unreachable.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	v, ok := s.lookupLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	v := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expireAt = s.now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	var n int64
	if v, ok := s.lookupLocked(key); ok {
		parsed, err := strconv.ParseInt(string(v.data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		n = parsed
	}
	n += delta
	s.values[key] = memoryValue{data: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Publish delivers payload to every current subscriber of channel without
// blocking. A subscriber whose buffer is full misses the message.
func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return s.failure
	}
	targets := make([]*memorySubscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(append([]byte(nil), payload...)) {
			log.Warn().
				Str("channel", channel).
				Msg("memory subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		out:     make(chan []byte, 256),
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memorySubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel
func (s *MemoryStore) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.shutdown()
		}
	}
	return nil
}

func (s *MemoryStore) lookupLocked(key string) (memoryValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expireAt.IsZero() && !s.now().Before(v.expireAt) {
		delete(s.values, key)
		return memoryValue{}, false
	}
	return v, true
}

type memorySubscription struct {
	store     *MemoryStore
	channel   string
	out       chan []byte
	closeOnce sync.Once

	// sendMu is held for reading by publishers so out is never closed mid-send
	sendMu sync.RWMutex
	closed bool
}

// deliver reports false only when the buffer is full
func (s *memorySubscription) deliver(msg []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	if set := s.store.subs[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.store.subs, s.channel)
		}
	}
	s.store.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *memorySubscription) shutdown() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.out)
		s.sendMu.Unlock()
	})
}
