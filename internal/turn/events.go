// Package turn runs one streamed chat turn: context assembly, the upstream
// streaming call, transparent web-search tool interception, and the ordered
// client-facing event sequence.
package turn

// Event type names as they appear on the wire. Both transports serialize the
// same payloads; only framing differs.
const (
	EventUserMessage    = "user_message"
	EventAssistantStart = "assistant_start"
	EventContent        = "content"
	EventWebSearchStart = "web_search_start"
	EventDone           = "done"
	EventError          = "error"
)

// Event is one client-facing turn event. Type is always set; the remaining
// fields depend on it.
type Event struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`      // user_message, assistant_start, done
	Content string   `json:"content,omitempty"` // content
	Queries []string `json:"queries,omitempty"` // web_search_start
	Message string   `json:"message,omitempty"` // error
}

// UserMessage signals that the user message was accepted and persisted.
func UserMessage(id string) Event {
	return Event{Type: EventUserMessage, ID: id}
}

// AssistantStart signals the beginning of the assistant reply.
func AssistantStart(id string) Event {
	return Event{Type: EventAssistantStart, ID: id}
}

// Content carries reply text, either an incremental delta or, on the tool
// path, the complete follow-up answer.
func Content(text string) Event {
	return Event{Type: EventContent, Content: text}
}

// WebSearchStart signals that the model requested web searches and blocking
// work is about to begin.
func WebSearchStart(queries []string) Event {
	return Event{Type: EventWebSearchStart, Queries: queries}
}

// Done is the clean terminal event, carrying the persisted assistant id.
func Done(id string) Event {
	return Event{Type: EventDone, ID: id}
}

// Error is the failure terminal event.
func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Sink receives the turn's ordered event sequence. Each transport channel
// provides one; implementations frame and deliver the event immediately.
type Sink interface {
	Emit(event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

// Emit calls f.
func (f SinkFunc) Emit(event Event) error {
	return f(event)
}
