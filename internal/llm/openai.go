package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from the OpenAI chat completions API.
type OpenAI struct {
	client    *openai.Client
	maxTokens int
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey string, maxTokens int) *OpenAI {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{client: openai.NewClient(apiKey), maxTokens: maxTokens}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Stream implements Provider. Tool call fragments are keyed by index and
// flushed as complete calls once the stream finishes with "tool_calls".
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("llm: openai stream: %w", err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		pending := map[int]*ToolCall{}
		pendingArgs := map[int]string{}
		flush := func() {
			indexes := make([]int, 0, len(pending))
			for i := range pending {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				tc := pending[i]
				args := pendingArgs[i]
				if args == "" {
					args = "{}"
				}
				tc.Arguments = json.RawMessage(args)
				chunks <- Chunk{ToolCall: tc}
			}
			pending = map[int]*ToolCall{}
			pendingArgs = map[int]string{}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- Chunk{Done: true}
				return
			}
			if err != nil {
				chunks <- Chunk{Err: fmt.Errorf("llm: openai stream: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				chunks <- Chunk{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if _, ok := pending[idx]; !ok {
					pending[idx] = &ToolCall{}
				}
				if tc.ID != "" {
					pending[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					pending[idx].Name = tc.Function.Name
				}
				pendingArgs[idx] += tc.Function.Arguments
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}()
	return chunks, nil
}

func (p *OpenAI) buildRequest(req Request) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Stream:    true,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case RoleSystem:
			m.Role = openai.ChatMessageRoleSystem
		case RoleUser:
			m.Role = openai.ChatMessageRoleUser
		case RoleAssistant:
			m.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case RoleTool:
			m.Role = openai.ChatMessageRoleTool
			m.ToolCallID = msg.ToolCallID
		}
		out.Messages = append(out.Messages, m)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return out
}
