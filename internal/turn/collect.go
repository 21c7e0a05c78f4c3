package turn

import (
	"context"
	"strings"
)

// Result is the aggregate of one non-streaming turn.
type Result struct {
	Text  string
	Calls []CallSummary
}

// CallSummary is the final state of one call within a collected turn.
type CallSummary struct {
	ID        string
	Operation string
	Denied    bool
	Reason    string
	Success   bool
	Data      any
	Error     string
}

// Collect runs one turn and returns the aggregate instead of streaming it.
// Useful for callers that do not consume incremental output.
func (o *Orchestrator) Collect(ctx context.Context, id Identity, userMessage string) (Result, error) {
	var text strings.Builder
	var calls []CallSummary
	index := make(map[string]int)

	err := o.Run(ctx, id, userMessage, func(event Event) error {
		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Text)
		case EventCallAnnounced:
			index[event.CallID] = len(calls)
			calls = append(calls, CallSummary{ID: event.CallID, Operation: event.Operation})
		case EventCallDenied:
			if i, ok := index[event.CallID]; ok {
				calls[i].Denied = true
				calls[i].Reason = event.Reason
			}
		case EventCallResult:
			if i, ok := index[event.CallID]; ok {
				if event.Success != nil {
					calls[i].Success = *event.Success
				}
				calls[i].Data = event.Data
				calls[i].Error = event.Error
			}
		}
		return nil
	})
	return Result{Text: text.String(), Calls: calls}, err
}
