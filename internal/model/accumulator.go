package model

import "strings"

// PendingCall is a call request under assembly from stream fragments.
type PendingCall struct {
	ID        string
	Name      string
	Arguments string
}

// Accumulator assembles call fragments by correlation id, preserving the
// order in which calls first appeared so they execute in emission order.
type Accumulator struct {
	order   []string
	pending map[string]*PendingCall
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{pending: make(map[string]*PendingCall)}
}

// Add folds one fragment into its pending call.
func (a *Accumulator) Add(delta CallDelta) {
	id := strings.TrimSpace(delta.ID)
	call, ok := a.pending[id]
	if !ok {
		call = &PendingCall{ID: id}
		a.pending[id] = call
		a.order = append(a.order, id)
	}
	if name := strings.TrimSpace(delta.Name); name != "" {
		call.Name = name
	}
	call.Arguments += delta.ArgumentsFragment
}

// Finish removes and returns the completed call for id, if any.
func (a *Accumulator) Finish(id string) (PendingCall, bool) {
	trimmed := strings.TrimSpace(id)
	call, ok := a.pending[trimmed]
	if !ok {
		return PendingCall{}, false
	}
	delete(a.pending, trimmed)
	for i, queued := range a.order {
		if queued == trimmed {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return *call, true
}

// Incomplete drains every call still pending, in first-seen order. Calls
// left unfinished when generation ends are malformed, never executed.
func (a *Accumulator) Incomplete() []PendingCall {
	calls := make([]PendingCall, 0, len(a.order))
	for _, id := range a.order {
		calls = append(calls, *a.pending[id])
		delete(a.pending, id)
	}
	a.order = nil
	return calls
}
