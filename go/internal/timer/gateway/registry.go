package gateway

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// ClientRegistry maps users to the connections this process holds for them.
// Operations on the same user are serialized by that user's bucket lock;
// the registry lock only guards the bucket map.
type ClientRegistry struct {
	mu      sync.RWMutex
	buckets map[string]*userBucket
}

type userBucket struct {
	mu    sync.Mutex
	conns []Connection
	// dead is set once the bucket has been emptied and is being removed
	dead bool
}

// RegistryStats describes the connections held by this process
type RegistryStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveUsers      int            `json:"active_users"`
	UserConnections  map[string]int `json:"user_connections"`
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		buckets: make(map[string]*userBucket),
	}
}

func (r *ClientRegistry) lookup(userID string) *userBucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[userID]
}

func (r *ClientRegistry) lookupOrCreate(userID string) *userBucket {
	if b := r.lookup(userID); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[userID]
	if !ok {
		b = &userBucket{}
		r.buckets[userID] = b
	}
	return b
}

// Register adds conn to the user's connection list
func (r *ClientRegistry) Register(userID string, conn Connection) {
	for {
		b := r.lookupOrCreate(userID)
		b.mu.Lock()
		if b.dead {
			// lost a race with the last Deregister; pick up the replacement bucket
			b.mu.Unlock()
			continue
		}
		b.conns = append(b.conns, conn)
		count := len(b.conns)
		b.mu.Unlock()

		log.Debug().
			Str("connection_id", conn.ID()).
			Str("user_id", userID).
			Int("user_connections", count).
			Msg("connection registered")
		return
	}
}

// Deregister removes the connection with connID. Removing an absent
// connection is a no-op; the return value reports whether anything was removed.
func (r *ClientRegistry) Deregister(userID, connID string) bool {
	b := r.lookup(userID)
	if b == nil {
		return false
	}

	b.mu.Lock()
	before := len(b.conns)
	b.conns = slices.DeleteFunc(b.conns, func(c Connection) bool {
		return c.ID() == connID
	})
	removed := len(b.conns) < before
	emptied := len(b.conns) == 0 && !b.dead
	if emptied {
		b.dead = true
	}
	b.mu.Unlock()

	if emptied {
		r.mu.Lock()
		if r.buckets[userID] == b {
			delete(r.buckets, userID)
		}
		r.mu.Unlock()
	}

	if removed {
		log.Debug().
			Str("connection_id", connID).
			Str("user_id", userID).
			Msg("connection deregistered")
	}
	return removed
}

// BroadcastLocal sends message to every connection this process holds for
// userID and returns how many accepted it. Unknown users are a no-op.
// Connections whose send buffer is full are closed.
func (r *ClientRegistry) BroadcastLocal(userID string, message []byte) int {
	b := r.lookup(userID)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, conn := range b.conns {
		err := conn.Send(message)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			log.Warn().
				Str("connection_id", conn.ID()).
				Str("user_id", userID).
				Msg("connection send buffer full, closing connection")
			go conn.Close()
		default:
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID()).
				Str("user_id", userID).
				Msg("skipping connection during broadcast")
		}
	}
	return delivered
}

// Count returns the number of local connections for userID
func (r *ClientRegistry) Count(userID string) int {
	b := r.lookup(userID)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Size returns the total number of local connections
func (r *ClientRegistry) Size() int {
	return r.Stats().TotalConnections
}

// Users returns the users with at least one local connection
func (r *ClientRegistry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.buckets))
	for userID := range r.buckets {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

// Stats returns statistics about active connections
func (r *ClientRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{UserConnections: make(map[string]int, len(r.buckets))}
	for userID, b := range r.buckets {
		b.mu.Lock()
		n := len(b.conns)
		b.mu.Unlock()
		if n == 0 {
			continue
		}
		stats.TotalConnections += n
		stats.UserConnections[userID] = n
	}
	stats.ActiveUsers = len(stats.UserConnections)
	return stats
}

// Connections returns a copy of every local connection
func (r *ClientRegistry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Connection
	for _, b := range r.buckets {
		b.mu.Lock()
		conns = append(conns, b.conns...)
		b.mu.Unlock()
	}
	return conns
}
