package gateway

import (
	"context"
	"encoding/json"
)

// TimerService owns timer state. The gateway routes intents to it and never
// reads the snapshots it returns. Implementations publish state changes on the
// fanout channel themselves; the gateway does not publish intent results.
type TimerService interface {
	StartTimerByUserID(ctx context.Context, userID string, opts StartOptions) error
	PauseTimerByUserID(ctx context.Context, userID string, opts PauseOptions) error
	RemoveTimerByUserID(ctx context.Context, userID string, opts RemoveOptions) error
	GetTimerByUserID(ctx context.Context, userID string, opts GetOptions) (json.RawMessage, error)

	// PersistTimerByUserID flushes the user's shared timer state to durable
	// storage and clears the shared copy. Called when the last connection closes.
	PersistTimerByUserID(ctx context.Context, userID string) error
}

// StartOptions are the flags carried by a START_TIMER intent
type StartOptions struct {
	RestartTimerWithSync bool
}

// PauseOptions are the flags carried by a PAUSE_TIMER intent
type PauseOptions struct {
	IsUserPaused        bool
	SaveTimerData       bool
	IsApplicationPaused bool
}

// RemoveOptions is empty; STOP_TIMER carries no flags
type RemoveOptions struct{}

// GetOptions is empty; GET_TIMER carries no flags
type GetOptions struct{}
