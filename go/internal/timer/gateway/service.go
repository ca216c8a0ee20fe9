package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/timergate/go/internal/auth"
	"github.com/mcdev12/timergate/go/internal/sharedstore"
	"github.com/rs/zerolog/log"
)

// Service is the timer gateway: it accepts WebSocket connections, routes
// intents to the timer service and relays fanout updates to local clients
type Service struct {
	config     Config
	store      sharedstore.Store
	bus        sharedstore.Bus
	registry   *ClientRegistry
	subscriber *FanoutSubscriber
	wsHandler  *WebSocketHandler
}

// Config holds configuration for the timer gateway service
type Config struct {
	Connection      ConnectionConfig `yaml:"connection"`
	Fanout          FanoutConfig     `yaml:"fanout"`
	CloseTimeout    time.Duration    `yaml:"close_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// DefaultConfig returns default configuration for the timer gateway
func DefaultConfig() Config {
	return Config{
		Connection:      DefaultConnectionConfig(),
		Fanout:          DefaultFanoutConfig(),
		CloseTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Dependencies are the collaborators the gateway is built from
type Dependencies struct {
	Verifier   *auth.Verifier
	Store      sharedstore.Store
	Bus        sharedstore.Bus
	Timers     TimerService
	Exceptions ExceptionLogger
	Clock      clockwork.Clock
}

// NewService creates a new timer gateway service
func NewService(config Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("gateway: verifier is required")
	case deps.Store == nil:
		return nil, errors.New("gateway: shared store is required")
	case deps.Bus == nil:
		return nil, errors.New("gateway: fanout bus is required")
	case deps.Timers == nil:
		return nil, errors.New("gateway: timer service is required")
	}
	if deps.Exceptions == nil {
		deps.Exceptions = NewLogExceptionLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultConfig().CloseTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	registry := NewClientRegistry()
	counter := NewConnectionCounter(deps.Store)
	dispatcher := NewDispatcher(deps.Timers, deps.Exceptions)
	reconciler := NewReconciler(registry, counter, deps.Timers, deps.Exceptions)

	return &Service{
		config:     config,
		store:      deps.Store,
		bus:        deps.Bus,
		registry:   registry,
		subscriber: NewFanoutSubscriber(deps.Bus, registry, config.Fanout, deps.Clock),
		wsHandler: NewWebSocketHandler(deps.Verifier, registry, counter, dispatcher, reconciler,
			config.Connection, config.CloseTimeout, deps.Clock),
	}, nil
}

// Start runs the fanout subscription until ctx is cancelled, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Str("channel", s.config.Fanout.Channel).Msg("starting timer gateway service")

	subscriberDone := make(chan error, 1)
	go func() {
		subscriberDone <- s.subscriber.Run(ctx)
	}()

	<-ctx.Done()
	if err := <-subscriberDone; err != nil {
		log.Error().Err(err).Msg("fanout subscriber failed")
	}

	log.Info().Msg("timer gateway service shutting down")
	return s.Stop()
}

// Stop closes every local connection and waits for their close handling to finish
func (s *Service) Stop() error {
	conns := s.registry.Connections()
	for _, conn := range conns {
		conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.wsHandler.Wait(ctx); err != nil {
		return fmt.Errorf("wait for sessions: %w", err)
	}

	log.Info().Int("closed_connections", len(conns)).Msg("timer gateway service stopped")
	return nil
}

// Ready is closed once the fanout subscription is established
func (s *Service) Ready() <-chan struct{} {
	return s.subscriber.Ready()
}

// HandleReady reports whether fanout is subscribed and the shared store and
// fanout bus are reachable
func (s *Service) HandleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.subscriber.Ready():
	default:
		http.Error(w, "fanout not subscribed", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("readiness check failed")
		http.Error(w, "shared store unavailable", http.StatusServiceUnavailable)
		return
	}
	if pinger, ok := s.bus.(sharedstore.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("fanout bus readiness check failed")
			http.Error(w, "fanout bus unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("/ready", s.HandleReady)
	log.Info().Msg("timer gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.registry.Stats()
	return map[string]interface{}{
		"service":           "timer_gateway",
		"status":            "running",
		"total_connections": stats.TotalConnections,
		"active_users":      stats.ActiveUsers,
	}
}

// Registry exposes the local connection registry
func (s *Service) Registry() *ClientRegistry {
	return s.registry
}
