package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client    sdk.Client
	maxTokens int
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey string, maxTokens int) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: maxTokens,
	}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// Stream implements Provider. Tool input JSON arrives fragmented across
// delta events and is reassembled before the tool call chunk is emitted.
func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var toolCall *ToolCall
		var toolInput strings.Builder
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolCall = &ToolCall{ID: block.ID, Name: block.Name}
					toolInput.Reset()
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text != "" {
						chunks <- Chunk{Text: delta.Text}
					}
				case sdk.InputJSONDelta:
					toolInput.WriteString(delta.PartialJSON)
				}
			case sdk.ContentBlockStopEvent:
				if toolCall != nil {
					args := toolInput.String()
					if args == "" {
						args = "{}"
					}
					toolCall.Arguments = json.RawMessage(args)
					chunks <- Chunk{ToolCall: toolCall}
					toolCall = nil
				}
			case sdk.MessageStopEvent:
				chunks <- Chunk{Done: true}
				return
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: fmt.Errorf("llm: anthropic stream: %w", err)}
			return
		}
		chunks <- Chunk{Done: true}
	}()
	return chunks, nil
}

func (p *Anthropic) buildParams(req Request) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// System turns ride on params.System; a stray one mid-conversation
			// is folded into it.
			if params.System == nil {
				params.System = []sdk.TextBlockParam{{Text: msg.Content}}
			}
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return sdk.MessageNewParams{}, fmt.Errorf("llm: tool call %s arguments: %w", tc.ID, err)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}
