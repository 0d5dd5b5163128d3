package run

import (
	"maps"

	"github.com/ashita-ai/renga/internal/model"
)

// bridgeValues computes the initial state a new run exposes to streaming
// clients: the thread's accumulated state with the new input applied the way
// the graph's messages reducer will apply it. The graph has not executed yet
// at the moment this value is emitted, so the concatenation is precomputed
// here; a state read immediately after completion must agree with it for the
// prior-history portion.
//
// prior is nil on a thread's first turn (and always for stateless runs), in
// which case the input passes through unchanged.
func bridgeValues(prior *model.StateSnapshot, input map[string]any) map[string]any {
	if prior == nil || len(prior.Values) == 0 {
		if input == nil {
			return map[string]any{}
		}
		return maps.Clone(input)
	}

	out := maps.Clone(prior.Values)
	for k, v := range input {
		if k != "messages" {
			out[k] = v
		}
	}

	priorMsgs := model.MessagesOf(prior.Values)
	inputMsgs := model.MessagesOf(input)
	if len(priorMsgs) > 0 || len(inputMsgs) > 0 {
		merged := make([]any, 0, len(priorMsgs)+len(inputMsgs))
		merged = append(merged, priorMsgs...)
		merged = append(merged, inputMsgs...)
		out["messages"] = merged
	}
	return out
}
