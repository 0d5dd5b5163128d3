package model

import (
	"time"

	"github.com/google/uuid"
)

// ThreadStatus is the coarse lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusBusy        ThreadStatus = "busy"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
	ThreadStatusError       ThreadStatus = "error"
)

// Thread is a durable conversation container. Values always mirrors the most
// recent state snapshot.
type Thread struct {
	ID        string         `json:"thread_id"`
	Metadata  map[string]any `json:"metadata"`
	Status    ThreadStatus   `json:"status"`
	Values    map[string]any `json:"values,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateSnapshot is one entry of a thread's append-only state history.
type StateSnapshot struct {
	Values             map[string]any `json:"values"`
	Next               []string       `json:"next"`
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// NewThreadID generates a prefixed thread identifier.
func NewThreadID() string { return "thread_" + uuid.NewString() }

// NewCheckpointID generates a prefixed checkpoint identifier.
func NewCheckpointID() string { return "checkpoint_" + uuid.NewString() }

// MessagesOf extracts the message list from a values map. Values round-trip
// through JSONB columns, so the list is []any regardless of how it was built.
func MessagesOf(values map[string]any) []any {
	if values == nil {
		return nil
	}
	if msgs, ok := values["messages"].([]any); ok {
		return msgs
	}
	return nil
}
