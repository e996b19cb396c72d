package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single server-sent event parsed from the provider stream.
type SSEEvent struct {
	// Name is the value of the "event:" field, empty if none was given.
	Name string

	// Data is the payload assembled from the "data:" lines. Multiple data
	// lines are joined with newlines per the SSE specification.
	Data string
}

// SSEScanner reads server-sent events from an io.Reader.
//
// Events are delimited by blank lines. Lines starting with "data:" carry the
// payload, "event:" names the event type, comment lines (":") and unknown
// fields are ignored.
type SSEScanner struct {
	lines   *bufio.Scanner
	current SSEEvent
	done    bool
}

// maxSSELineBytes bounds a single stream line; provider deltas are small but
// error payloads and fully-formed blocks can run long.
const maxSSELineBytes = 1 << 20

// NewSSEScanner creates a scanner reading from r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &SSEScanner{lines: lines}
}

// Next advances to the next event. It returns false at end of stream or on
// error; call Err afterwards to distinguish the two.
func (s *SSEScanner) Next() bool {
	if s.done {
		return false
	}
	s.current = SSEEvent{}

	var name string
	var dataLines []string

	flush := func() bool {
		if len(dataLines) == 0 {
			name = ""
			return false
		}
		s.current = SSEEvent{Name: name, Data: strings.Join(dataLines, "\n")}
		return true
	}

	for s.lines.Scan() {
		line := strings.TrimSuffix(s.lines.Text(), "\r")

		if line == "" {
			if flush() {
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			// Per spec, strip exactly one leading space from the value.
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
		case "event":
			name = value
		default:
			// "id", "retry" and unknown fields are ignored per spec.
		}
	}

	// A final event without a trailing blank line is still emitted.
	s.done = true
	return flush()
}

// Event returns the most recently parsed event. Valid only after Next
// returned true.
func (s *SSEScanner) Event() SSEEvent {
	return s.current
}

// Err returns the first read error encountered, nil on clean EOF.
func (s *SSEScanner) Err() error {
	return s.lines.Err()
}
