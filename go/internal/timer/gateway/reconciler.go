package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CloseResult reports what the reconciler observed for a closed connection
type CloseResult struct {
	// Remaining is the post-decrement fleet-wide count; valid when CounterKnown
	Remaining    int64
	CounterKnown bool
	// Persisted is true when this close was treated as the user's last connection
	Persisted bool
}

// Reconciler releases the state held for a connection once its socket closes
type Reconciler struct {
	registry   *ClientRegistry
	counter    *ConnectionCounter
	timers     TimerService
	exceptions ExceptionLogger
}

// NewReconciler creates a reconciler
func NewReconciler(registry *ClientRegistry, counter *ConnectionCounter, timers TimerService, exceptions ExceptionLogger) *Reconciler {
	if exceptions == nil {
		exceptions = NewLogExceptionLogger()
	}
	return &Reconciler{
		registry:   registry,
		counter:    counter,
		timers:     timers,
		exceptions: exceptions,
	}
}

// OnClose runs the close steps for conn. It must be called once per
// connection. Each step logs its failure and the remaining steps still run.
// counted reports whether the connection's increment reached the shared
// counter; an uncounted connection is never decremented and never treated
// as the user's last.
//
// There is a window between the decrement and the persist decision in which
// the same user can connect through another process. That process will find
// the shared timer state already flushed and read it back from durable
// storage. Closing the window would need a distributed lock.
func (r *Reconciler) OnClose(ctx context.Context, conn Connection, counted bool) CloseResult {
	userID := conn.UserID()
	ec := ExceptionContext{UserID: userID, ConnectionID: conn.ID()}

	conn.StopTasks()

	var result CloseResult
	if counted {
		n, err := r.counter.Decrement(ctx, userID)
		if err != nil {
			ec.Operation = "decrement_connections"
			r.exceptions.LogException(ctx, err, ec)
		} else {
			result.Remaining = n
			result.CounterKnown = true
		}
	}

	r.registry.Deregister(userID, conn.ID())

	// Without a counter reading we cannot claim to be the last connection
	if !result.CounterKnown || result.Remaining > 0 {
		log.Info().
			Str("connection_id", conn.ID()).
			Str("user_id", userID).
			Int64("remaining", result.Remaining).
			Bool("counter_known", result.CounterKnown).
			Bool("counted", counted).
			Msg("connection closed")
		return result
	}

	result.Persisted = true
	if err := r.persist(ctx, userID); err != nil {
		ec.Operation = "persist_timer"
		r.exceptions.LogException(ctx, err, ec)
	}
	if err := r.counter.Clear(ctx, userID); err != nil {
		ec.Operation = "clear_connections"
		r.exceptions.LogException(ctx, err, ec)
	}

	log.Info().
		Str("connection_id", conn.ID()).
		Str("user_id", userID).
		Int64("remaining", result.Remaining).
		Msg("last connection closed, timer persisted")
	return result
}

func (r *Reconciler) persist(ctx context.Context, userID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrTimerServicePanic, p)
		}
	}()
	return r.timers.PersistTimerByUserID(ctx, userID)
}
