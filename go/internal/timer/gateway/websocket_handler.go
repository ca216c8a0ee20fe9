package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/timergate/go/internal/auth"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler authenticates and upgrades timer connections and runs
// each connection's session until the socket closes
type WebSocketHandler struct {
	verifier   *auth.Verifier
	registry   *ClientRegistry
	counter    *ConnectionCounter
	dispatcher *Dispatcher
	reconciler *Reconciler
	upgrader   websocket.Upgrader
	config     ConnectionConfig
	clock      clockwork.Clock

	closeTimeout time.Duration
	sessions     sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	verifier *auth.Verifier,
	registry *ClientRegistry,
	counter *ConnectionCounter,
	dispatcher *Dispatcher,
	reconciler *Reconciler,
	config ConnectionConfig,
	closeTimeout time.Duration,
	clock clockwork.Clock,
) *WebSocketHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocketHandler{
		verifier:   verifier,
		registry:   registry,
		counter:    counter,
		dispatcher: dispatcher,
		reconciler: reconciler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.checkOrigin,
		},
		config:       config,
		clock:        clock,
		closeTimeout: closeTimeout,
	}
}

// HandleTimerConnection verifies the handshake token, upgrades the request
// and serves the connection until it closes
func (h *WebSocketHandler) HandleTimerConnection(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("rejected WebSocket handshake")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	header := http.Header{}
	if protocol := auth.SelectSubprotocol(r); protocol != "" {
		header.Set("Sec-WebSocket-Protocol", protocol)
	}

	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the error response
		log.Error().
			Err(err).
			Str("user_id", claims.UserID).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	conn := newWSConnection(ws, claims.UserID, h.config, h.clock)
	h.serve(r.Context(), conn)
}

// serve runs one connection from registration to reconciliation
func (h *WebSocketHandler) serve(ctx context.Context, conn *wsConnection) {
	h.registry.Register(conn.UserID(), conn)
	count, err := h.counter.Increment(ctx, conn.UserID())
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", conn.ID()).
			Str("user_id", conn.UserID()).
			Msg("failed to increment connection count, connection is served uncounted")
	} else {
		conn.counted = true
	}

	log.Info().
		Str("connection_id", conn.ID()).
		Str("user_id", conn.UserID()).
		Int64("user_connections", count).
		Msg("WebSocket connection established")

	go conn.writePump()
	conn.readPump(ctx, func(ctx context.Context, message []byte) {
		h.dispatcher.Dispatch(ctx, conn, message)
	})
	conn.Close()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.closeTimeout)
	defer cancel()
	h.reconciler.OnClose(closeCtx, conn, conn.counted)
}

// Wait blocks until every session has finished reconciling or ctx is done
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnectionStats returns statistics about local connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/timer", h.HandleTimerConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
