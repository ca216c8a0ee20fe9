package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// IntentType is the operation a client asks for
type IntentType string

const (
	IntentStartTimer IntentType = "START_TIMER"
	IntentPauseTimer IntentType = "PAUSE_TIMER"
	IntentStopTimer  IntentType = "STOP_TIMER"
	IntentGetTimer   IntentType = "GET_TIMER"
)

// Valid reports whether t is one of the known intents
func (t IntentType) Valid() bool {
	switch t {
	case IntentStartTimer, IntentPauseTimer, IntentStopTimer, IntentGetTimer:
		return true
	}
	return false
}

// Intent is a parsed inbound frame
type Intent struct {
	Type                 IntentType `json:"intent"`
	RestartTimerWithSync bool       `json:"restartTimerWithSync,omitempty"`
	IsUserPaused         bool       `json:"isUserPaused,omitempty"`
	SaveTimerData        bool       `json:"saveTimerData,omitempty"`
	IsApplicationPaused  bool       `json:"isApplicationPaused,omitempty"`
}

// ErrInvalidIntent is returned for frames that do not carry a known intent
var ErrInvalidIntent = errors.New("invalid intent")

// ParseIntent decodes an inbound text frame
func ParseIntent(raw []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if !in.Type.Valid() {
		return Intent{}, fmt.Errorf("%w: %q", ErrInvalidIntent, in.Type)
	}
	return in, nil
}

// Outbound error messages
const (
	MessageInvalidIntent = "Please enter a valid intent"
	MessageInternalError = "Something went wrong"
)

// ErrorFrame is the outbound frame for errors and unrecognized intents
type ErrorFrame struct {
	Message string `json:"message"`
}

func encodeErrorFrame(message string) []byte {
	data, _ := json.Marshal(ErrorFrame{Message: message})
	return data
}
