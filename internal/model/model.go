// Package model defines the boundary to the external conversational model:
// the event stream it produces and the request shape it consumes.
package model

import "context"

// EventKind discriminates stream events.
type EventKind int

const (
	// EventText carries a plain text delta.
	EventText EventKind = iota
	// EventCall carries one fragment of a tool-call request. Name may be
	// absent or empty on any fragment.
	EventCall
	// EventCallEnd signals that the call with the given id is complete.
	EventCallEnd
	// EventEndOfTurn signals the model finished this generation.
	EventEndOfTurn
)

// CallDelta is one fragment of a proposed call. Fragments sharing an ID
// belong to the same call; the arguments fragment is raw text accumulated
// in emission order.
type CallDelta struct {
	ID                string
	Name              string
	ArgumentsFragment string
}

// Event is one element of the model output stream.
type Event struct {
	Kind EventKind
	Text string
	Call *CallDelta
}

// Stream yields model events in emission order. Recv returns io.EOF after
// the final event.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Capability describes one invocable operation as advertised to the model.
type Capability struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Message is one transcript entry. Role is "system", "user", "assistant",
// or "tool"; tool messages carry the call id they answer.
type Message struct {
	Role    string
	Content string
	CallID  string
	// CallName and CallArguments echo the call an assistant message made,
	// so resumed generations see their own prior tool use.
	CallName      string
	CallArguments string
}

// Request is one generation request: transcript plus the capability list
// for the caller's role.
type Request struct {
	System       string
	Messages     []Message
	Capabilities []Capability
}

// Client starts generations against the external model collaborator.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
