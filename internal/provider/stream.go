package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventKind identifies a normalized stream event.
type EventKind int

const (
	// KindTextDelta carries an incremental text fragment.
	KindTextDelta EventKind = iota
	// KindToolStart signals that a tool_use block has started; its arguments
	// are still streaming.
	KindToolStart
	// KindBlockDone carries a completed content block.
	KindBlockDone
	// KindPing is a provider keepalive.
	KindPing
	// KindDone marks the end of the turn; the accumulated Response is ready.
	KindDone
)

// StreamEvent is one normalized event from the provider stream.
type StreamEvent struct {
	Kind     EventKind
	Text     string       // set for KindTextDelta
	Block    ContentBlock // set for KindBlockDone
	ToolName string       // set for KindToolStart
}

// StreamError is an error event carried inside the provider stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider: stream error: %s: %s", e.Type, e.Message)
}

// partialBlock accumulates one content block during streaming. Blocks are
// indexed by the position the provider assigns them within the turn.
type partialBlock struct {
	blockType string
	toolUseID string
	toolName  string
	text      strings.Builder
	inputJSON strings.Builder
}

// finish converts the accumulated partial state into a content block.
// Tool invocation arguments are parsed only here, when the block closes; a
// parse failure yields an empty argument object rather than an error.
func (p *partialBlock) finish() ContentBlock {
	switch p.blockType {
	case "text":
		return TextBlock(p.text.String())
	case "tool_use":
		input := json.RawMessage(p.inputJSON.String())
		if !json.Valid(input) || len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return ToolUseBlock(p.toolUseID, p.toolName, input)
	default:
		return TextBlock("[" + p.blockType + "] " + p.text.String())
	}
}

// EventStream reads normalized events from a streaming response while
// accumulating the complete Response. After Next returns io.EOF, call
// Response for the accumulated result.
//
// EventStream is not safe for concurrent use.
type EventStream struct {
	next     func() (StreamEvent, error)
	closer   io.Closer
	response Response
	done     bool
}

// Next returns the next event, or io.EOF when the stream is complete.
func (s *EventStream) Next() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}
	event, err := s.next()
	if err != nil {
		s.done = true
		return StreamEvent{}, err
	}
	if event.Kind == KindBlockDone {
		s.response.Content = append(s.response.Content, event.Block)
	}
	if event.Kind == KindDone {
		s.done = true
	}
	return event, nil
}

// Response returns the accumulated response. Complete only once Next has
// returned a KindDone event or io.EOF.
func (s *EventStream) Response() *Response {
	return &s.response
}

// Close releases the underlying HTTP response body. Must be called even if
// iteration ended early.
func (s *EventStream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// NewEventStream builds an EventStream that parses the provider's SSE
// protocol from a streaming response body. The per-index partial block map is
// the explicit form of the state the protocol spreads across its
// start/delta/stop events.
func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)
	partials := make(map[int]*partialBlock)

	stream := &EventStream{closer: body}

	stream.next = func() (StreamEvent, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: reading stream: %w", err)
				}
				// Stream ended without message_stop.
				return StreamEvent{}, io.EOF
			}

			event := scanner.Event()
			switch event.Name {
			case "message_start":
				var envelope struct {
					Message struct {
						Model string    `json:"model"`
						Usage wireUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: parsing message_start: %w", err)
				}
				stream.response.Model = envelope.Message.Model
				stream.response.Usage.InputTokens = envelope.Message.Usage.InputTokens

			case "content_block_start":
				var envelope struct {
					Index        int       `json:"index"`
					ContentBlock wireBlock `json:"content_block"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: parsing content_block_start: %w", err)
				}
				partials[envelope.Index] = &partialBlock{
					blockType: envelope.ContentBlock.Type,
					toolUseID: envelope.ContentBlock.ID,
					toolName:  envelope.ContentBlock.Name,
				}
				if envelope.ContentBlock.Type == "tool_use" {
					return StreamEvent{Kind: KindToolStart, ToolName: envelope.ContentBlock.Name}, nil
				}

			case "content_block_delta":
				var envelope struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: parsing content_block_delta: %w", err)
				}
				partial, ok := partials[envelope.Index]
				if !ok {
					continue
				}
				switch envelope.Delta.Type {
				case "text_delta":
					partial.text.WriteString(envelope.Delta.Text)
					return StreamEvent{Kind: KindTextDelta, Text: envelope.Delta.Text}, nil
				case "input_json_delta":
					// Argument fragments are accumulated and parsed as JSON
					// only when the block closes.
					partial.inputJSON.WriteString(envelope.Delta.PartialJSON)
				}

			case "content_block_stop":
				var envelope struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: parsing content_block_stop: %w", err)
				}
				partial, ok := partials[envelope.Index]
				if !ok {
					continue
				}
				delete(partials, envelope.Index)
				return StreamEvent{Kind: KindBlockDone, Block: partial.finish()}, nil

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("provider: parsing message_delta: %w", err)
				}
				stream.response.StopReason = StopReason(envelope.Delta.StopReason)
				stream.response.Usage.OutputTokens += envelope.Usage.OutputTokens

			case "message_stop":
				return StreamEvent{Kind: KindDone}, nil

			case "ping":
				return StreamEvent{Kind: KindPing}, nil

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(event.Data), &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{}, &StreamError{
						Type:    envelope.Error.Type,
						Message: envelope.Error.Message,
					}
				}
				return StreamEvent{}, &StreamError{Message: event.Data}

			default:
				// Unknown event types are skipped; the provider may add new
				// ones without notice.
			}
		}
	}

	return stream
}
