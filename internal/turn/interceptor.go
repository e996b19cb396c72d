package turn

import (
	"errors"
	"io"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/provider"
)

// state is the interceptor's position in one streamed turn.
type state int

const (
	// stateStreamingText forwards text deltas the instant they arrive.
	stateStreamingText state = iota
	// stateBufferingTool stops forwarding raw provider events; a tool
	// invocation has started and everything further is accumulated only.
	stateBufferingTool
	// stateAwaitingToolResult runs the buffered invocations.
	stateAwaitingToolResult
	// stateFinalizing reconstructs the follow-up request.
	stateFinalizing
	// stateDone and stateError are terminal.
	stateDone
	stateError
)

// interceptor consumes the provider stream, forwarding text deltas on the
// common no-tool path and switching to buffering the moment a tool invocation
// block begins. The accumulated response is read from the stream afterwards.
type interceptor struct {
	sink   Sink
	logger log.Logger
	state  state

	deltas int // forwarded content events, for logging
}

// consume drains the stream until the provider's terminal event. It returns
// the accumulated response, or the stream error. The caller owns Close.
func (it *interceptor) consume(stream *provider.EventStream) (*provider.Response, error) {
	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			it.state = stateError
			return nil, err
		}

		switch event.Kind {
		case provider.KindTextDelta:
			if it.state != stateStreamingText {
				// Tool path: text after a tool block is buffered, never
				// forwarded. It reaches the model again in the follow-up.
				continue
			}
			it.deltas++
			if emitErr := it.sink.Emit(Content(event.Text)); emitErr != nil {
				// The client went away. Upstream work runs to completion
				// regardless; there is no server-side cancellation.
				it.logger.Debug("emit failed, client gone", "error", emitErr)
			}

		case provider.KindToolStart:
			if it.state == stateStreamingText {
				it.state = stateBufferingTool
				it.logger.Debug("tool invocation started, buffering",
					"tool", event.ToolName, "deltas_forwarded", it.deltas)
			}

		case provider.KindDone:
			if it.state == stateBufferingTool {
				it.state = stateAwaitingToolResult
			} else {
				it.state = stateDone
			}
			return stream.Response(), nil

		case provider.KindBlockDone, provider.KindPing:
			// Blocks accumulate inside the stream; pings are keepalives.
		}
	}

	// Stream ended without a terminal provider event. Treat whatever
	// accumulated as the response.
	if it.state == stateBufferingTool {
		it.state = stateAwaitingToolResult
	} else {
		it.state = stateDone
	}
	return stream.Response(), nil
}
