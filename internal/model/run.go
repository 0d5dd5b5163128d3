package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusSuccess     RunStatus = "success"
	RunStatusError       RunStatus = "error"
	RunStatusTimeout     RunStatus = "timeout"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Terminal reports whether no further status transition is accepted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusInterrupted:
		return true
	}
	return false
}

// Active reports whether the run still occupies its thread.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// CanTransition reports whether moving from one status to another is legal.
// Transitions are monotonic: pending, then running, then a terminal state.
// Active states may be forced to any terminal state (cancellation,
// supersession).
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case RunStatusRunning:
		return from == RunStatusPending
	case RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusInterrupted:
		return from.Active()
	}
	return false
}

// MultitaskStrategy governs what happens when a new run targets a thread
// that already has an active run.
type MultitaskStrategy string

const (
	MultitaskReject    MultitaskStrategy = "reject"
	MultitaskRollback  MultitaskStrategy = "rollback"
	MultitaskInterrupt MultitaskStrategy = "interrupt"
	MultitaskEnqueue   MultitaskStrategy = "enqueue"
)

// ValidMultitaskStrategy reports whether s is a known strategy.
func ValidMultitaskStrategy(s MultitaskStrategy) bool {
	switch s {
	case MultitaskReject, MultitaskRollback, MultitaskInterrupt, MultitaskEnqueue:
		return true
	}
	return false
}

// Run is one execution attempt of an assistant against a thread. Immutable
// once terminal.
type Run struct {
	ID                string            `json:"run_id"`
	ThreadID          string            `json:"thread_id,omitempty"`
	AssistantID       string            `json:"assistant_id"`
	Status            RunStatus         `json:"status"`
	Metadata          map[string]any    `json:"metadata"`
	Kwargs            json.RawMessage   `json:"kwargs,omitempty"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewRunID generates a prefixed run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }
