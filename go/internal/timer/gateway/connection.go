package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSendBufferFull is returned when a connection cannot keep up with outbound frames
	ErrSendBufferFull = errors.New("connection send buffer full")
	// ErrConnectionClosed is returned when sending on a closed connection
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is a single client socket owned by this process
type Connection interface {
	ID() string
	UserID() string
	// Send queues a text frame without blocking
	Send(data []byte) error
	Close() error
	// StopTasks cancels the connection's periodic keepalive
	StopTasks()
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
	}
}

// checkOrigin allows every origin when none are configured
func (c ConnectionConfig) checkOrigin(r *http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// NewConnectionID returns a fresh connection identifier
func NewConnectionID() string {
	return uuid.New().String()
}

// wsConnection is a Connection over a gorilla websocket
type wsConnection struct {
	id          string
	userID      string
	conn        *websocket.Conn
	config      ConnectionConfig
	clock       clockwork.Clock
	connectedAt time.Time

	// counted is set by the session once the shared counter includes this connection
	counted bool

	send chan []byte

	mu     sync.RWMutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func newWSConnection(conn *websocket.Conn, userID string, config ConnectionConfig, clock clockwork.Clock) *wsConnection {
	return &wsConnection{
		id:          NewConnectionID(),
		userID:      userID,
		conn:        conn,
		config:      config,
		clock:       clock,
		connectedAt: clock.Now(),
		send:        make(chan []byte, config.SendBufferSize),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

func (c *wsConnection) ID() string     { return c.id }
func (c *wsConnection) UserID() string { return c.userID }

func (c *wsConnection) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		// WriteControl is safe alongside the write pump
		deadline := time.Now().Add(c.config.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConnection) StopTasks() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// writePump drains the send buffer onto the socket and owns the keepalive ticker
func (c *wsConnection) writePump() {
	ticker := c.clock.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	pings := ticker.Chan()
	stop := c.stop
	for {
		select {
		case <-c.done:
			return

		case <-stop:
			ticker.Stop()
			pings, stop = nil, nil

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-pings:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads frames in arrival order and hands each to onMessage on the
// calling goroutine. It returns when the socket fails or is closed.
func (c *wsConnection) readPump(ctx context.Context, onMessage func(context.Context, []byte)) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Str("user_id", c.userID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		onMessage(ctx, message)
	}
}
