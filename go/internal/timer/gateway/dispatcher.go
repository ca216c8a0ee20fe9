package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrTimerServicePanic wraps a panic recovered from the timer service
var ErrTimerServicePanic = errors.New("timer service panicked")

// Dispatcher routes parsed intents from a connection to the timer service
type Dispatcher struct {
	timers     TimerService
	exceptions ExceptionLogger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(timers TimerService, exceptions ExceptionLogger) *Dispatcher {
	if exceptions == nil {
		exceptions = NewLogExceptionLogger()
	}
	return &Dispatcher{
		timers:     timers,
		exceptions: exceptions,
	}
}

// Dispatch handles one inbound frame. It never returns an error: failures are
// reported to the client as an error frame and the connection stays open.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Connection, raw []byte) {
	intent, err := ParseIntent(raw)
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", conn.ID()).
			Str("user_id", conn.UserID()).
			Msg("rejected client frame")
		d.reply(conn, encodeErrorFrame(MessageInvalidIntent))
		return
	}

	if err := d.route(ctx, conn, intent); err != nil {
		d.exceptions.LogException(ctx, err, ExceptionContext{
			Operation:    string(intent.Type),
			UserID:       conn.UserID(),
			ConnectionID: conn.ID(),
		})
		d.reply(conn, encodeErrorFrame(MessageInternalError))
	}
}

func (d *Dispatcher) route(ctx context.Context, conn Connection, intent Intent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTimerServicePanic, r)
		}
	}()

	userID := conn.UserID()
	switch intent.Type {
	case IntentStartTimer:
		return d.timers.StartTimerByUserID(ctx, userID, StartOptions{
			RestartTimerWithSync: intent.RestartTimerWithSync,
		})

	case IntentPauseTimer:
		return d.timers.PauseTimerByUserID(ctx, userID, PauseOptions{
			IsUserPaused:        intent.IsUserPaused,
			SaveTimerData:       intent.SaveTimerData,
			IsApplicationPaused: intent.IsApplicationPaused,
		})

	case IntentStopTimer:
		return d.timers.RemoveTimerByUserID(ctx, userID, RemoveOptions{})

	case IntentGetTimer:
		snapshot, err := d.timers.GetTimerByUserID(ctx, userID, GetOptions{})
		if err != nil {
			return err
		}
		// replies go to the requester only, never through fanout
		d.reply(conn, snapshot)
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidIntent, intent.Type)
}

func (d *Dispatcher) reply(conn Connection, frame []byte) {
	if err := conn.Send(frame); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", conn.ID()).
			Str("user_id", conn.UserID()).
			Msg("failed to queue reply")
	}
}
