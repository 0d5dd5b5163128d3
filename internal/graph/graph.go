// Package graph defines the execution boundary between the run engine and
// graph implementations. A graph consumes an initial state, emits events as
// it steps through its nodes and returns the final accumulated state.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/renga/internal/model"
)

// EventKind discriminates streamed graph events.
type EventKind string

const (
	// KindMessageMetadata is emitted once per model invocation with
	// introspection data about the resolved model call.
	KindMessageMetadata EventKind = "messages/metadata"
	// KindMessagePartial carries one incremental content delta.
	KindMessagePartial EventKind = "messages/partial"
	// KindUpdate is emitted after each node completes, keyed by node name.
	KindUpdate EventKind = "updates"
)

// Event is one streamed occurrence during graph execution.
type Event struct {
	Kind    EventKind
	Node    string
	Payload map[string]any
}

// Emit delivers one event to the stream. Returning an error aborts the run.
type Emit func(Event) error

// ErrCanceled is returned by a runner that observed a cancellation request
// at a node boundary.
var ErrCanceled = errors.New("graph: run canceled")

// Request carries everything a single execution needs. Canceled is polled at
// node boundaries only; a nil Canceled never cancels.
type Request struct {
	Values   map[string]any
	Config   model.AssistantConfig
	Canceled func() bool
}

// Runner executes a compiled graph.
type Runner interface {
	// Stream runs the graph, emitting events in node order, and returns the
	// final state. The final state is returned even when emit is never called.
	Stream(ctx context.Context, req Request, emit Emit) (map[string]any, error)
	// Invoke runs the graph without event emission and returns the final
	// state.
	Invoke(ctx context.Context, req Request) (map[string]any, error)
}

// Factory builds a runner for one assistant configuration.
type Factory func(cfg model.AssistantConfig) (Runner, error)

// Registry maps graph identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a factory to a graph identifier, replacing any previous
// binding.
func (r *Registry) Register(graphID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[graphID] = f
}

// Build instantiates a runner for the graph identifier.
func (r *Registry) Build(graphID string, cfg model.AssistantConfig) (Runner, error) {
	r.mu.RLock()
	f, ok := r.factories[graphID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("graph: unknown graph %q", graphID)
	}
	return f(cfg)
}

// Known reports whether a graph identifier has a registered factory.
func (r *Registry) Known(graphID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[graphID]
	return ok
}

// IDs returns the registered graph identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
