package model

import "fmt"

// Pagination limits shared by all search endpoints.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 1000
)

// IfNotExists policies for run creation against a missing thread.
const (
	IfNotExistsCreate = "create"
	IfNotExistsReject = "reject"
)

// CreateAssistantRequest is the body of POST /assistants. A caller-supplied
// assistant_id is used verbatim so external systems can round-trip their own
// identifiers; re-posting an existing id upserts.
type CreateAssistantRequest struct {
	AssistantID string          `json:"assistant_id,omitempty"`
	GraphID     string          `json:"graph_id"`
	Config      AssistantConfig `json:"config"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Validate checks the request independent of storage state.
func (r CreateAssistantRequest) Validate() error {
	if r.GraphID == "" {
		return fmt.Errorf("graph_id is required")
	}
	if r.AssistantID != "" {
		if err := ValidateResourceID(r.AssistantID); err != nil {
			return fmt.Errorf("assistant_id: %w", err)
		}
	}
	return nil
}

// UpdateAssistantRequest is the body of PATCH /assistants/{assistant_id}.
// Nil fields are left untouched; metadata is merged, not replaced.
type UpdateAssistantRequest struct {
	GraphID  *string          `json:"graph_id,omitempty"`
	Config   *AssistantConfig `json:"config,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// SearchRequest is the shared body of the search and count endpoints.
type SearchRequest struct {
	GraphID  string         `json:"graph_id,omitempty"`
	Status   string         `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// Normalize clamps pagination to sane bounds.
func (r *SearchRequest) Normalize() error {
	if r.Limit < 0 || r.Offset < 0 {
		return fmt.Errorf("limit and offset must be non-negative")
	}
	if r.Limit == 0 {
		r.Limit = DefaultSearchLimit
	}
	if r.Limit > MaxSearchLimit {
		r.Limit = MaxSearchLimit
	}
	return nil
}

// CreateThreadRequest is the body of POST /threads.
type CreateThreadRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request independent of storage state.
func (r CreateThreadRequest) Validate() error {
	if r.ThreadID != "" {
		if err := ValidateResourceID(r.ThreadID); err != nil {
			return fmt.Errorf("thread_id: %w", err)
		}
	}
	return nil
}

// UpdateThreadRequest is the body of PATCH /threads/{thread_id}.
type UpdateThreadRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryRequest is the body of POST /threads/{thread_id}/history.
type HistoryRequest struct {
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"`
}

// CreateRunRequest is the body of the run creation endpoints. Config carries
// per-run overrides merged on top of the assistant's stored configuration.
type CreateRunRequest struct {
	AssistantID       string            `json:"assistant_id"`
	Input             map[string]any    `json:"input,omitempty"`
	Config            AssistantConfig   `json:"config,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy,omitempty"`
	IfNotExists       string            `json:"if_not_exists,omitempty"`
}

// Validate checks the request and fills defaulted fields in place.
func (r *CreateRunRequest) Validate() error {
	if r.AssistantID == "" {
		return fmt.Errorf("assistant_id is required")
	}
	if r.MultitaskStrategy == "" {
		r.MultitaskStrategy = MultitaskReject
	}
	if !ValidMultitaskStrategy(r.MultitaskStrategy) {
		return fmt.Errorf("multitask_strategy must be one of reject, rollback, interrupt, enqueue")
	}
	switch r.IfNotExists {
	case "":
		r.IfNotExists = IfNotExistsReject
	case IfNotExistsCreate, IfNotExistsReject:
	default:
		return fmt.Errorf("if_not_exists must be %q or %q", IfNotExistsCreate, IfNotExistsReject)
	}
	return nil
}
