// Package run coordinates run admission, execution and event streaming: the
// conflict rules for concurrent runs on one thread, the bridge that computes
// a run's externally visible initial state, the engine that drives a graph
// and emits ordered stream events, and the coordinator tying those to the
// HTTP surface.
package run

import (
	"errors"
	"sync"
)

// Stream event types, in the order they may appear within one run.
const (
	EventMetadata        = "metadata"
	EventValues          = "values"
	EventMessageMetadata = "messages/metadata"
	EventMessagePartial  = "messages/partial"
	EventUpdates         = "updates"
)

// ErrConflict is returned when a reject-strategy run targets a thread that
// already has an active run.
var ErrConflict = errors.New("run: thread has an active run")

// Emitter receives ordered stream events. Emit returning an error aborts
// the run's event emission.
type Emitter interface {
	Emit(event string, data any) error
}

// discard swallows events for non-streaming execution paths.
type discard struct{}

func (discard) Emit(string, any) error { return nil }

// cancelRegistry tracks cooperative cancellation tokens for in-flight runs.
// Tokens are polled by the engine at graph node boundaries.
type cancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*bool
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{tokens: map[string]*bool{}}
}

// register returns the poll function for a run and arms its token.
func (r *cancelRegistry) register(runID string) (canceled func() bool, release func()) {
	token := new(bool)
	r.mu.Lock()
	r.tokens[runID] = token
	r.mu.Unlock()

	canceled = func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return *token
	}
	release = func() {
		r.mu.Lock()
		delete(r.tokens, runID)
		r.mu.Unlock()
	}
	return canceled, release
}

// cancel flips the token for a run if it is still registered.
func (r *cancelRegistry) cancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.tokens[runID]; ok {
		*token = true
	}
}
