package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/ashita-ai/renga/internal/llm"
	"github.com/ashita-ai/renga/internal/model"
)

// ChatGraphID is the graph identifier of the built-in tool-calling agent.
const ChatGraphID = "agent"

const maxAgentSteps = 25

// Toolset is the subset of tool operations the chat graph drives.
type Toolset interface {
	Defs() []llm.ToolDef
	Call(ctx context.Context, name string, arguments json.RawMessage) (text string, isError bool, err error)
	Close()
}

// ToolConnector dials the assistant's configured tool servers.
type ToolConnector func(ctx context.Context, servers []model.ToolServerConfig) (Toolset, error)

// NewChatFactory returns the factory for the built-in agent graph. connect
// may be nil when no tool servers will ever be configured.
func NewChatFactory(resolver *llm.Resolver, connect ToolConnector, logger *slog.Logger) Factory {
	return func(cfg model.AssistantConfig) (Runner, error) {
		return &chatRunner{
			cfg:      cfg,
			resolver: resolver,
			connect:  connect,
			logger:   logger,
		}, nil
	}
}

// chatRunner is a two-node agent loop: the agent node calls the model, the
// tools node executes any requested tool calls, then control returns to the
// agent node until the model stops requesting tools.
type chatRunner struct {
	cfg      model.AssistantConfig
	resolver *llm.Resolver
	connect  ToolConnector
	logger   *slog.Logger

	// provider, when set, bypasses resolver lookup.
	provider llm.Provider
}

// Invoke implements Runner.
func (r *chatRunner) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	return r.Stream(ctx, req, func(Event) error { return nil })
}

// Stream implements Runner.
func (r *chatRunner) Stream(ctx context.Context, req Request, emit Emit) (map[string]any, error) {
	canceled := req.Canceled
	if canceled == nil {
		canceled = func() bool { return false }
	}

	provider, modelName, err := r.resolver.ForModel(r.cfg.Model)
	if err != nil {
		return nil, err
	}
	if r.provider != nil {
		provider = r.provider
	}

	var toolset Toolset
	if len(r.cfg.ToolServers) > 0 && r.connect != nil {
		toolset, err = r.connect(ctx, r.cfg.ToolServers)
		if err != nil {
			return nil, fmt.Errorf("graph: connecting tool servers: %w", err)
		}
		defer toolset.Close()
	}
	var defs []llm.ToolDef
	if toolset != nil {
		defs = toolset.Defs()
	}

	values := maps.Clone(req.Values)
	if values == nil {
		values = map[string]any{}
	}
	messages := model.MessagesOf(values)

	for step := 0; ; step++ {
		if step >= maxAgentSteps {
			return nil, fmt.Errorf("graph: agent exceeded %d steps without finishing", maxAgentSteps)
		}
		if canceled() {
			return nil, ErrCanceled
		}

		aiMsg, calls, err := r.agentNode(ctx, provider, modelName, defs, messages, emit)
		if err != nil {
			return nil, err
		}
		messages = append(messages, aiMsg)
		if err := emit(Event{Kind: KindUpdate, Node: "agent", Payload: map[string]any{"messages": []any{aiMsg}}}); err != nil {
			return nil, err
		}
		if len(calls) == 0 {
			break
		}

		if canceled() {
			return nil, ErrCanceled
		}
		toolMsgs, err := r.toolsNode(ctx, toolset, calls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolMsgs...)
		if err := emit(Event{Kind: KindUpdate, Node: "tools", Payload: map[string]any{"messages": toolMsgs}}); err != nil {
			return nil, err
		}
	}

	values["messages"] = messages
	return values, nil
}

// agentNode performs one model invocation against the accumulated messages.
func (r *chatRunner) agentNode(ctx context.Context, provider llm.Provider, modelName string, defs []llm.ToolDef, messages []any, emit Emit) (map[string]any, []llm.ToolCall, error) {
	meta := map[string]any{"model": modelName, "provider": provider.Name()}
	if r.cfg.Temperature != nil {
		meta["temperature"] = *r.cfg.Temperature
	}
	if err := emit(Event{Kind: KindMessageMetadata, Payload: meta}); err != nil {
		return nil, nil, err
	}

	llmReq := llm.Request{
		Model:       modelName,
		System:      r.cfg.SystemPrompt,
		Temperature: r.cfg.Temperature,
		Messages:    toProviderMessages(messages),
		Tools:       defs,
	}
	chunks, err := provider.Stream(ctx, llmReq)
	if err != nil {
		return nil, nil, err
	}

	chunkID := uuid.NewString()
	var content string
	var calls []llm.ToolCall
	for c := range chunks {
		switch {
		case c.Err != nil:
			return nil, nil, c.Err
		case c.ToolCall != nil:
			calls = append(calls, *c.ToolCall)
		case c.Text != "":
			content += c.Text
			payload := map[string]any{"id": chunkID, "type": "AIMessageChunk", "content": c.Text}
			if err := emit(Event{Kind: KindMessagePartial, Payload: payload}); err != nil {
				return nil, nil, err
			}
		}
	}
	return AIMessage(content, calls), calls, nil
}

// toolsNode executes the model's tool calls sequentially. Execution failures
// are returned to the model as error-status tool messages so it can recover;
// only transport-level problems abort the run.
func (r *chatRunner) toolsNode(ctx context.Context, toolset Toolset, calls []llm.ToolCall) ([]any, error) {
	if toolset == nil {
		return nil, fmt.Errorf("graph: model requested tools but no tool servers are configured")
	}
	out := make([]any, 0, len(calls))
	for _, call := range calls {
		text, isError, err := toolset.Call(ctx, call.Name, call.Arguments)
		if err != nil {
			r.logger.Warn("tool call failed", "tool", call.Name, "error", err)
			text, isError = err.Error(), true
		}
		out = append(out, ToolMessage(text, call.ID, call.Name, isError))
	}
	return out, nil
}
