package graph

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/renga/internal/llm"
)

// Message dictionaries use the "type" discriminator: human, ai, tool and
// system. A "role" key (user, assistant, system, tool) is accepted on input
// for clients that send chat-completion shaped messages.

// HumanMessage builds a human message dictionary.
func HumanMessage(content string) map[string]any {
	return map[string]any{"type": "human", "content": content, "id": uuid.NewString()}
}

// AIMessage builds an ai message dictionary, with tool calls when present.
func AIMessage(content string, calls []llm.ToolCall) map[string]any {
	m := map[string]any{"type": "ai", "content": content, "id": uuid.NewString()}
	if len(calls) > 0 {
		tcs := make([]any, 0, len(calls))
		for _, tc := range calls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &args)
			}
			tcs = append(tcs, map[string]any{"id": tc.ID, "name": tc.Name, "args": args})
		}
		m["tool_calls"] = tcs
	}
	return m
}

// ToolMessage builds a tool result message dictionary.
func ToolMessage(content, toolCallID, name string, isError bool) map[string]any {
	m := map[string]any{
		"type":         "tool",
		"content":      content,
		"tool_call_id": toolCallID,
		"name":         name,
		"id":           uuid.NewString(),
	}
	if isError {
		m["status"] = "error"
	}
	return m
}

func messageType(msg map[string]any) string {
	if t, ok := msg["type"].(string); ok && t != "" {
		return t
	}
	switch msg["role"] {
	case "user":
		return "human"
	case "assistant":
		return "ai"
	case "system":
		return "system"
	case "tool":
		return "tool"
	}
	return "human"
}

func messageContent(msg map[string]any) string {
	switch c := msg["content"].(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(raw)
	}
}

// toProviderMessages converts message dictionaries into the provider wire
// shape. Unknown entries are skipped rather than failing the run.
func toProviderMessages(messages []any) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		m := llm.Message{Content: messageContent(msg)}
		switch messageType(msg) {
		case "human":
			m.Role = llm.RoleUser
		case "system":
			m.Role = llm.RoleSystem
		case "ai":
			m.Role = llm.RoleAssistant
			if tcs, ok := msg["tool_calls"].([]any); ok {
				for _, rawTC := range tcs {
					tc, ok := rawTC.(map[string]any)
					if !ok {
						continue
					}
					args, err := json.Marshal(tc["args"])
					if err != nil {
						args = []byte("{}")
					}
					m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
						ID:        str(tc["id"]),
						Name:      str(tc["name"]),
						Arguments: args,
					})
				}
			}
		case "tool":
			m.Role = llm.RoleTool
			m.ToolCallID = str(msg["tool_call_id"])
			m.Name = str(msg["name"])
		default:
			continue
		}
		out = append(out, m)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
