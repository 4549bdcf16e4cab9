package domain

import "encoding/json"

type EventKind string

const (
	EventStarted  EventKind = "started"
	EventProgress EventKind = "progress"
	EventToken    EventKind = "token"
	EventFinished EventKind = "finished"
	EventError    EventKind = "error"
)

// Event is one normalized item of a generation stream. Raw is the upstream
// JSON payload and is what the caller receives.
type Event struct {
	Kind EventKind
	// Name is the upstream event name, e.g. "node_started" or "message_end".
	Name string
	// Text is the token fragment, progress label or error message.
	Text    string
	Outputs map[string]string
	Raw     json.RawMessage
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Kind == EventFinished || e.Kind == EventError
}

// ErrorEvent builds a synthetic error event in the upstream wire shape.
func ErrorEvent(message string) Event {
	raw, _ := json.Marshal(struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}{Event: "error", Message: message})
	return Event{Kind: EventError, Name: "error", Text: message, Raw: raw}
}

// GenerationRequest is the backend-neutral input of one generation call.
type GenerationRequest struct {
	Inputs map[string]any
	// Query is the conversational prompt; workflow backends ignore it.
	Query string
	User  string
}
