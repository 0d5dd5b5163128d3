package llm

import (
	"context"
	"strings"
)

// Echo is a deterministic provider used for development and tests. It
// repeats the last user message back as word-sized chunks without calling
// any external API.
type Echo struct{}

// Name implements Provider.
func (Echo) Name() string { return "echo" }

// Stream implements Provider.
func (Echo) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	text := "(no input)"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			text = req.Messages[i].Content
			break
		}
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case chunks <- Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case chunks <- Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}
