package chat

// EventType names an outbound UI notification.
type EventType string

const (
	// EventSession announces the session bound to a connection.
	EventSession EventType = "session"
	// EventMessage creates a message; empty content makes it a placeholder.
	EventMessage EventType = "message"
	// EventToken appends a streamed fragment to a message.
	EventToken EventType = "token"
	// EventUpdate finalizes a message, replacing its content.
	EventUpdate EventType = "update"
)

// Event is what the chat core reports to the UI.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Author    Role      `json:"author,omitempty"`
	Content   string    `json:"content"`
	Error     bool      `json:"error,omitempty"`
}

// Emitter receives events for a single conversation.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }
