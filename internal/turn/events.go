package turn

// Identity is the authenticated caller of one turn. It is resolved by the
// transport layer before the turn starts and never changes mid-turn.
type Identity struct {
	ID     string
	Role   string
	Origin string
}

// Caller-facing event types. This is the only user-visible vocabulary;
// orchestrator state names never appear on the wire.
const (
	EventTextDelta     = "text-delta"
	EventCallAnnounced = "call-announced"
	EventCallDenied    = "call-denied"
	EventCallResult    = "call-result"
	EventTurnDone      = "turn-done"
	EventFatalError    = "fatal-error"
)

// Event is one entry on the caller-facing stream. Fields are populated per
// type: text-delta carries Text, call-* carry CallID and Operation,
// call-denied carries Reason, call-result carries Success plus Data or
// Error, fatal-error carries Error.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
