// Package model defines the core domain types for Renga.
//
// All types correspond directly to database tables and wire payloads of the
// agent-platform protocol. Field names on the wire are snake_case because
// external clients depend on them verbatim.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SharedOwner is the reserved owner value for resources created by trusted
// internal processes (startup sync, migrations). Resources with this owner
// are visible to every authenticated caller.
const SharedOwner = "system"

// MetadataOwnerKey is the metadata key that carries the owning identity.
const MetadataOwnerKey = "owner"

// Assistant is a named, versioned agent configuration bundle.
type Assistant struct {
	ID        string          `json:"assistant_id"`
	GraphID   string          `json:"graph_id"`
	Config    AssistantConfig `json:"config"`
	Metadata  map[string]any  `json:"metadata"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AssistantConfig is the nested configuration resolved into a graph request.
// Per-run overrides are merged on top of it field by field.
type AssistantConfig struct {
	Model        string             `json:"model,omitempty"`
	Temperature  *float64           `json:"temperature,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	ToolServers  []ToolServerConfig `json:"tool_servers,omitempty"`
	Retrieval    *RetrievalConfig   `json:"retrieval,omitempty"`
	Configurable map[string]any     `json:"configurable,omitempty"`
}

// ToolServerConfig points the graph at one MCP tool server.
type ToolServerConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RetrievalConfig is passed through opaquely to the graph configuration.
type RetrievalConfig struct {
	Collection string `json:"collection,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
}

// Merge returns a copy of c with non-zero fields of override applied on top.
func (c AssistantConfig) Merge(override AssistantConfig) AssistantConfig {
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if len(override.ToolServers) > 0 {
		out.ToolServers = override.ToolServers
	}
	if override.Retrieval != nil {
		out.Retrieval = override.Retrieval
	}
	if len(override.Configurable) > 0 {
		merged := make(map[string]any, len(c.Configurable)+len(override.Configurable))
		for k, v := range c.Configurable {
			merged[k] = v
		}
		for k, v := range override.Configurable {
			merged[k] = v
		}
		out.Configurable = merged
	}
	return out
}

// Owner extracts the owner from a resource metadata map.
func Owner(metadata map[string]any) string {
	if v, ok := metadata[MetadataOwnerKey].(string); ok {
		return v
	}
	return ""
}

// StampOwner returns metadata with the owner key set, allocating the map if
// needed. An owner already present is overwritten: callers never choose their
// own owner.
func StampOwner(metadata map[string]any, owner string) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[MetadataOwnerKey] = owner
	return metadata
}

// NewAssistantID generates a prefixed assistant identifier.
func NewAssistantID() string { return "asst_" + uuid.NewString() }

// ValidateResourceID checks a caller-supplied resource identifier. IDs are
// round-tripped into URLs and database keys, so control characters and
// whitespace are rejected.
func ValidateResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("id exceeds maximum length of 255 characters")
	}
	if strings.ContainsAny(id, " \t\n\r/") {
		return fmt.Errorf("id must not contain whitespace or '/'")
	}
	return nil
}
