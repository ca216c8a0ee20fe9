package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// ErrBusDisconnected is returned by Ping while the bus has no server connection
var ErrBusDisconnected = errors.New("fanout bus disconnected")

// NATSConfig holds configuration for the NATS fanout bus
type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"` // empty: core NATS pub/sub, no JetStream
	StreamMaxAge  time.Duration `yaml:"stream_max_age"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamMaxAge:  time.Minute,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus implements Bus on NATS. With a StreamName configured, messages go
// through a JetStream stream and every subscriber reads it with its own
// ephemeral ordered consumer, so each process still sees every message.
type NATSBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig

	streamsMu sync.Mutex
	streams   map[string]bool
}

var (
	_ Bus    = (*NATSBus)(nil)
	_ Pinger = (*NATSBus)(nil)
)

// NewNATSBus connects to NATS
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	bus := &NATSBus{
		nc:      nc,
		config:  config,
		streams: make(map[string]bool),
	}

	if config.StreamName != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		bus.js = js
	}

	log.Info().
		Str("url", config.URL).
		Str("stream", config.StreamName).
		Msg("connected to NATS fanout bus")

	return bus, nil
}

// Publish sends payload on the subject named channel
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.js == nil {
		if err := b.nc.Publish(channel, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", channel, err)
		}
		return nil
	}

	if err := b.ensureStream(ctx, channel); err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts receiving messages published on channel from now on
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &natsSubscription{
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}

	if b.js == nil {
		msgs := make(chan *nats.Msg, 256)
		s, err := b.nc.ChanSubscribe(channel, msgs)
		if err != nil {
			return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
		}
		// Round trip so the server has the interest registered before we return
		if err := b.nc.FlushWithContext(ctx); err != nil {
			_ = s.Unsubscribe()
			return nil, fmt.Errorf("nats flush: %w", err)
		}
		sub.stop = func() { _ = s.Unsubscribe() }
		go sub.pumpCore(msgs)
		return sub, nil
	}

	if err := b.ensureStream(ctx, channel); err != nil {
		return nil, err
	}
	consumer, err := b.js.OrderedConsumer(ctx, b.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{channel},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		sub.push(msg.Data())
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	sub.stop = consumeCtx.Stop
	return sub, nil
}

// ensureStream creates the JetStream stream for channel on first use
func (b *NATSBus) ensureStream(ctx context.Context, channel string) error {
	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()
	if b.streams[channel] {
		return nil
	}

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        b.config.StreamName,
		Description: "Timer snapshot fanout",
		Subjects:    []string{channel},
		Storage:     jetstream.MemoryStorage,
		MaxAge:      b.config.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.config.StreamName, err)
	}
	b.streams[channel] = true

	log.Info().
		Str("stream", b.config.StreamName).
		Str("subject", channel).
		Msg("JetStream stream ready")
	return nil
}

// Ping fails while the connection is down or reconnecting, otherwise it
// round-trips to the server
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats %s: %w", b.nc.Status(), ErrBusDisconnected)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (b *NATSBus) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.nc.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	out       chan []byte
	done      chan struct{}
	stop      func()
	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool
}

func (s *natsSubscription) pumpCore(msgs <-chan *nats.Msg) {
	for {
		select {
		case msg := <-msgs:
			s.push(msg.Data)
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) push(data []byte) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- data:
	case <-s.done:
	}
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *natsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
		s.sendMu.Lock()
		s.closed = true
		close(s.out)
		s.sendMu.Unlock()
	})
	return nil
}
