// Package llm provides streaming chat-completion providers for the built-in
// graph. Provider selection is a configuration-resolution detail: the model
// name on the resolved assistant configuration picks the provider.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of provider-facing conversation history.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a callable tool to the provider.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a single chat-completion invocation.
type Request struct {
	Model       string
	System      string
	Temperature *float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDef
}

// Chunk is one element of a streaming completion. Exactly one terminal chunk
// (Done or Err set) ends every stream.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Err      error
}

// Provider streams chat completions for one model family.
type Provider interface {
	Name() string
	// Stream starts a completion and returns a channel of chunks. The channel
	// is closed after the terminal chunk.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config carries provider credentials and defaults.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultModel    string
	MaxTokens       int
}

// Resolver routes a model name to a provider instance.
type Resolver struct {
	anthropic *Anthropic
	openai    *OpenAI
	echo      *Echo
	fallback  string
}

// NewResolver builds a resolver with the providers the config has
// credentials for. The echo provider is always available.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		echo:     &Echo{},
		fallback: cfg.DefaultModel,
	}
	if cfg.AnthropicAPIKey != "" {
		r.anthropic = NewAnthropic(cfg.AnthropicAPIKey, cfg.MaxTokens)
	}
	if cfg.OpenAIAPIKey != "" {
		r.openai = NewOpenAI(cfg.OpenAIAPIKey, cfg.MaxTokens)
	}
	return r
}

// ForModel resolves a model name to a provider. An empty name falls back to
// the configured default model.
func (r *Resolver) ForModel(model string) (Provider, string, error) {
	if model == "" {
		model = r.fallback
	}
	switch {
	case model == "" || model == "echo" || strings.HasPrefix(model, "echo-"):
		return r.echo, "echo", nil
	case strings.HasPrefix(model, "claude"):
		if r.anthropic == nil {
			return nil, "", fmt.Errorf("llm: model %q requires ANTHROPIC_API_KEY", model)
		}
		return r.anthropic, model, nil
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		if r.openai == nil {
			return nil, "", fmt.Errorf("llm: model %q requires OPENAI_API_KEY", model)
		}
		return r.openai, model, nil
	}
	return nil, "", fmt.Errorf("llm: unknown model family %q", model)
}
