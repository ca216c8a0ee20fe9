package timer

import (
	"encoding/json"
	"time"
)

// Status is the state of a user's timer
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Snapshot is the full state of a user's timer.
//
// ElapsedMs is the elapsed time as of UpdatedAt. While running, the timer
// keeps accruing from UpdatedAt.
type Snapshot struct {
	UserID              string    `json:"userId" bson:"_id"`
	Status              Status    `json:"status" bson:"status"`
	StartedAt           time.Time `json:"startedAt" bson:"startedAt"`
	ElapsedMs           int64     `json:"elapsedMs" bson:"elapsedMs"`
	IsUserPaused        bool      `json:"isUserPaused" bson:"isUserPaused"`
	IsApplicationPaused bool      `json:"isApplicationPaused" bson:"isApplicationPaused"`
	UpdatedAt           time.Time `json:"updatedAt" bson:"updatedAt"`
}

// At returns the snapshot with elapsed time brought forward to now
func (s Snapshot) At(now time.Time) Snapshot {
	if s.Status == StatusRunning && now.After(s.UpdatedAt) {
		s.ElapsedMs += now.Sub(s.UpdatedAt).Milliseconds()
		s.UpdatedAt = now
	}
	return s
}

// Elapsed returns the elapsed time as of now
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	return time.Duration(s.At(now).ElapsedMs) * time.Millisecond
}

func stoppedSnapshot(userID string, now time.Time) Snapshot {
	return Snapshot{
		UserID:    userID,
		Status:    StatusStopped,
		UpdatedAt: now,
	}
}

func (s Snapshot) encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	return s, err
}
