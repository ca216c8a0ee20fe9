package gateway

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ExceptionContext identifies where a failure happened
type ExceptionContext struct {
	Operation    string
	UserID       string
	ConnectionID string
}

// ExceptionLogger receives failures caught at the dispatch and reconcile boundaries
type ExceptionLogger interface {
	LogException(ctx context.Context, err error, ec ExceptionContext)
}

// LogExceptionLogger writes exceptions to the global zerolog logger
type LogExceptionLogger struct{}

// NewLogExceptionLogger creates a zerolog backed exception logger
func NewLogExceptionLogger() *LogExceptionLogger {
	return &LogExceptionLogger{}
}

func (LogExceptionLogger) LogException(_ context.Context, err error, ec ExceptionContext) {
	log.Error().
		Err(err).
		Str("operation", ec.Operation).
		Str("user_id", ec.UserID).
		Str("connection_id", ec.ConnectionID).
		Msg("timer gateway exception")
}
