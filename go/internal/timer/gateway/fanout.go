package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/rs/zerolog/log"
)

// DefaultFanoutChannel is the shared channel carrying timer updates
const DefaultFanoutChannel = "timer-updates"

// Envelope is the message published on the fanout channel
type Envelope struct {
	UserID      string          `json:"userId"`
	TimerObject json.RawMessage `json:"timerObject"`
}

// FanoutConfig holds configuration for the fanout channel
type FanoutConfig struct {
	Channel      string        `yaml:"channel"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

// DefaultFanoutConfig returns default fanout configuration
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		Channel:      DefaultFanoutChannel,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     30 * time.Second,
	}
}

// FanoutPublisher publishes timer snapshots to every gateway process
type FanoutPublisher struct {
	bus     sharedstore.Bus
	channel string
}

// NewFanoutPublisher creates a publisher on channel
func NewFanoutPublisher(bus sharedstore.Bus, channel string) *FanoutPublisher {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &FanoutPublisher{bus: bus, channel: channel}
}

// Publish wraps snapshot in an envelope for userID and publishes it
func (p *FanoutPublisher) Publish(ctx context.Context, userID string, snapshot json.RawMessage) error {
	payload, err := json.Marshal(Envelope{UserID: userID, TimerObject: snapshot})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("publish timer update: %w", err)
	}
	return nil
}

// FanoutSubscriber relays envelopes from the shared channel to local connections
type FanoutSubscriber struct {
	bus      sharedstore.Bus
	registry *ClientRegistry
	config   FanoutConfig
	clock    clockwork.Clock

	ready     chan struct{}
	readyOnce sync.Once
}

// NewFanoutSubscriber creates a subscriber that delivers into registry
func NewFanoutSubscriber(bus sharedstore.Bus, registry *ClientRegistry, config FanoutConfig, clock clockwork.Clock) *FanoutSubscriber {
	if config.Channel == "" {
		config.Channel = DefaultFanoutChannel
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultFanoutConfig().RetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = config.RetryInitial
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FanoutSubscriber{
		bus:      bus,
		registry: registry,
		config:   config,
		clock:    clock,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the first subscription is established
func (s *FanoutSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run subscribes to the fanout channel and relays messages until ctx is done.
// A failed or dropped subscription is retried with exponential backoff.
func (s *FanoutSubscriber) Run(ctx context.Context) error {
	backoff := s.config.RetryInitial
	for {
		sub, err := s.bus.Subscribe(ctx, s.config.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Err(err).
				Str("channel", s.config.Channel).
				Dur("retry_in", backoff).
				Msg("failed to subscribe to fanout channel")
			if !s.wait(ctx, backoff) {
				return nil
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		log.Info().Str("channel", s.config.Channel).Msg("subscribed to fanout channel")
		s.readyOnce.Do(func() { close(s.ready) })
		backoff = s.config.RetryInitial

		err = s.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().
			Err(err).
			Str("channel", s.config.Channel).
			Msg("fanout subscription ended, resubscribing")
		if !s.wait(ctx, backoff) {
			return nil
		}
	}
}

func (s *FanoutSubscriber) consume(ctx context.Context, sub sharedstore.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.Messages():
			if !ok {
				return sharedstore.ErrSubscriptionClosed
			}
			s.handle(payload)
		}
	}
}

// handle delivers a single envelope to local connections
func (s *FanoutSubscriber) handle(payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.Warn().Err(err).Msg("dropping malformed fanout envelope")
		return
	}
	if envelope.UserID == "" || len(envelope.TimerObject) == 0 {
		log.Warn().Msg("dropping fanout envelope without userId or timerObject")
		return
	}

	delivered := s.registry.BroadcastLocal(envelope.UserID, envelope.TimerObject)
	log.Debug().
		Str("user_id", envelope.UserID).
		Int("connections", delivered).
		Msg("timer update relayed")
}

func (s *FanoutSubscriber) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *FanoutSubscriber) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.config.RetryMax {
		d = s.config.RetryMax
	}
	return d
}
