package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/riffle-ai/riffle/internal/assemble"
	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/memory"
	"github.com/riffle-ai/riffle/internal/provider"
	"github.com/riffle-ai/riffle/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func frame(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func sseStream(frames ...string) *provider.EventStream {
	return provider.NewEventStream(io.NopCloser(strings.NewReader(strings.Join(frames, ""))))
}

type fakeUpstream struct {
	mu sync.Mutex

	streamFrames []string
	streamErr    error
	gotStream    []provider.Request

	completeText string
	completeErr  error
	gotComplete  []provider.Request
}

func (f *fakeUpstream) Stream(_ context.Context, request provider.Request) (*provider.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotStream = append(f.gotStream, request)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return sseStream(f.streamFrames...), nil
}

func (f *fakeUpstream) Complete(_ context.Context, request provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotComplete = append(f.gotComplete, request)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &provider.Response{
		Content:    []provider.ContentBlock{provider.TextBlock(f.completeText)},
		StopReason: provider.StopEndTurn,
	}, nil
}

func (f *fakeUpstream) completeRequests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request{}, f.gotComplete...)
}

type fakePersister struct {
	mu sync.Mutex

	inserted  []store.Message
	insertErr error

	titleID uuid.UUID
	title   string
}

func (f *fakePersister) InsertMessage(_ context.Context, conversationID uuid.UUID, role, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil && role == store.RoleAssistant {
		return nil, f.insertErr
	}
	m := store.Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content}
	f.inserted = append(f.inserted, m)
	return &m, nil
}

func (f *fakePersister) UpdateTitle(_ context.Context, conversationID uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleID = conversationID
	f.title = title
	return nil
}

func (f *fakePersister) messages() []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message{}, f.inserted...)
}

type fakeSearcher struct {
	fn func(query string) (string, error)
}

func (f *fakeSearcher) Search(_ context.Context, query string) (string, error) {
	if f.fn != nil {
		return f.fn(query)
	}
	return "results for " + query, nil
}

type fakeMemory struct {
	mu    sync.Mutex
	turns []memory.Turn
}

func (f *fakeMemory) ProcessTurnAsync(_, _ uuid.UUID, turns []memory.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turns...)
}

type noHistory struct{}

func (noHistory) RecentMessages(context.Context, uuid.UUID, int32) ([]store.Message, error) {
	return nil, nil
}

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event{}, s.events...)
}

func eventTypes(events []Event) []string {
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func newTestRunner(t *testing.T, upstream *fakeUpstream, persister *fakePersister,
	searcher Searcher, mem Memory) *Runner {
	t.Helper()

	assembler := assemble.New(noHistory{}, nil,
		assemble.Config{ContextWindow: 200_000, ReservedOutput: 8192, SafetyMargin: 0.9},
		log.NewNop())

	runner, err := New(upstream, assembler, persister, searcher, mem,
		Config{Model: "m", MaxTokens: 1024}, log.NewNop())
	require.NoError(t, err)
	return runner
}

func textFrames(deltas ...string) []string {
	frames := []string{
		frame("message_start", `{"message":{"model":"m","usage":{"input_tokens":1}}}`),
		frame("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
	}
	for _, d := range deltas {
		frames = append(frames,
			frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"`+d+`"}}`))
	}
	frames = append(frames,
		frame("content_block_stop", `{"index":0}`),
		frame("message_delta", `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`),
		frame("message_stop", `{}`))
	return frames
}

func TestRunner_PlainTextTurn(t *testing.T) {
	upstream := &fakeUpstream{streamFrames: textFrames("Hel", "lo")}
	persister := &fakePersister{}
	mem := &fakeMemory{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, mem)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Text:           "say hello",
	}, sink)
	require.NoError(t, err)
	runner.Wait()

	events := sink.all()
	assert.Equal(t,
		[]string{EventUserMessage, EventAssistantStart, EventContent, EventContent, EventDone},
		eventTypes(events))
	assert.Equal(t, "Hel", events[2].Content)
	assert.Equal(t, "lo", events[3].Content)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[4].ID)

	messages := persister.messages()
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "say hello", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello", messages[1].Content)
	assert.Equal(t, messages[1].ID.String(), events[4].ID)

	// The finished turn reaches memory extraction.
	require.Len(t, mem.turns, 2)
	assert.Equal(t, "Hello", mem.turns[1].Content)

	// Tools are declared and allowed on the first call.
	require.Len(t, upstream.gotStream, 1)
	assert.Equal(t, provider.ToolsAllowed, upstream.gotStream[0].ToolMode)
	require.Len(t, upstream.gotStream[0].Tools, 1)
}

func toolFrames(leadText string, uses ...string) []string {
	frames := []string{
		frame("message_start", `{"message":{"model":"m","usage":{"input_tokens":1}}}`),
		frame("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"`+leadText+`"}}`),
		frame("content_block_stop", `{"index":0}`),
	}
	for i, input := range uses {
		idx := string(rune('1' + i))
		frames = append(frames,
			frame("content_block_start", `{"index":`+idx+`,"content_block":{"type":"tool_use","id":"toolu_`+idx+`","name":"web_search"}}`),
			frame("content_block_delta", `{"index":`+idx+`,"delta":{"type":"input_json_delta","partial_json":`+input+`}}`),
			frame("content_block_stop", `{"index":`+idx+`}`))
	}
	frames = append(frames,
		frame("message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`),
		frame("message_stop", `{}`))
	return frames
}

func TestRunner_ToolTurn(t *testing.T) {
	upstream := &fakeUpstream{
		streamFrames: toolFrames("Let me check.", `"{\"queries\":[\"go releases\"]}"`),
		completeText: "Go 1.25 is the latest release.",
	}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Text:           "what is the latest Go release?",
	}, sink)
	require.NoError(t, err)

	events := sink.all()
	assert.Equal(t,
		[]string{EventUserMessage, EventAssistantStart, EventContent,
			EventWebSearchStart, EventContent, EventDone},
		eventTypes(events))
	assert.Equal(t, "Let me check.", events[2].Content)
	assert.Equal(t, []string{"go releases"}, events[3].Queries)
	assert.Equal(t, "Go 1.25 is the latest release.", events[4].Content)

	// Only the follow-up answer is persisted as the assistant message.
	messages := persister.messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Go 1.25 is the latest release.", messages[1].Content)

	// The follow-up keeps tools declared but forbids further use, and feeds
	// the assistant turn plus the tool results back.
	completes := upstream.completeRequests()
	require.Len(t, completes, 1)
	followUp := completes[0]
	assert.Equal(t, provider.ToolsForbidden, followUp.ToolMode)
	require.Len(t, followUp.Tools, 1)

	last := followUp.Messages[len(followUp.Messages)-1]
	assert.Equal(t, provider.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	require.Equal(t, provider.BlockToolResult, last.Content[0].Type)
	assert.Equal(t, "toolu_1", last.Content[0].ToolResult.ToolUseID)
	assert.Contains(t, last.Content[0].ToolResult.Content, "results for go releases")

	assistantTurn := followUp.Messages[len(followUp.Messages)-2]
	assert.Equal(t, provider.RoleAssistant, assistantTurn.Role)
	require.Len(t, assistantTurn.Content, 2)
	assert.Equal(t, provider.BlockText, assistantTurn.Content[0].Type)
	assert.Equal(t, provider.BlockToolUse, assistantTurn.Content[1].Type)
}

func TestRunner_OutOfOrderSearchesKeepInvocationOrder(t *testing.T) {
	secondDone := make(chan struct{})
	searcher := &fakeSearcher{fn: func(query string) (string, error) {
		switch query {
		case "alpha":
			// First invocation finishes last.
			<-secondDone
			return "alpha hits", nil
		case "beta":
			defer close(secondDone)
			return "beta hits", nil
		}
		return "", errors.New("unexpected query " + query)
	}}

	upstream := &fakeUpstream{
		streamFrames: toolFrames("Searching.",
			`"{\"queries\":[\"alpha\"]}"`,
			`"{\"queries\":[\"beta\"]}"`),
		completeText: "combined answer",
	}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, searcher, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(), UserID: uuid.New(), Text: "compare",
	}, sink)
	require.NoError(t, err)

	// One aggregated indicator, queries in invocation order.
	events := sink.all()
	var searchStart *Event
	for i := range events {
		if events[i].Type == EventWebSearchStart {
			searchStart = &events[i]
		}
	}
	require.NotNil(t, searchStart)
	assert.Equal(t, []string{"alpha", "beta"}, searchStart.Queries)

	// tool_result blocks stay in invocation order despite beta finishing
	// first.
	completes := upstream.completeRequests()
	require.Len(t, completes, 1)
	last := completes[0].Messages[len(completes[0].Messages)-1]
	require.Len(t, last.Content, 2)
	assert.Equal(t, "toolu_1", last.Content[0].ToolResult.ToolUseID)
	assert.Contains(t, last.Content[0].ToolResult.Content, "alpha hits")
	assert.Equal(t, "toolu_2", last.Content[1].ToolResult.ToolUseID)
	assert.Contains(t, last.Content[1].ToolResult.Content, "beta hits")
}

func TestRunner_SearchFailureSubstitutesPlaceholder(t *testing.T) {
	searcher := &fakeSearcher{fn: func(string) (string, error) {
		return "", errors.New("engine down")
	}}
	upstream := &fakeUpstream{
		streamFrames: toolFrames("Checking.", `"{\"queries\":[\"q\"]}"`),
		completeText: "answered from knowledge",
	}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, searcher, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(), UserID: uuid.New(), Text: "q",
	}, sink)
	require.NoError(t, err)

	completes := upstream.completeRequests()
	require.Len(t, completes, 1)
	last := completes[0].Messages[len(completes[0].Messages)-1]
	require.Len(t, last.Content, 1)
	assert.Equal(t, searchFailedPlaceholder, last.Content[0].ToolResult.Content)
	assert.True(t, last.Content[0].ToolResult.IsError)

	// The turn still completes cleanly.
	events := sink.all()
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestRunner_TextAfterToolBlockIsNotForwarded(t *testing.T) {
	frames := []string{
		frame("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"visible"}}`),
		frame("content_block_stop", `{"index":0}`),
		frame("content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"t1","name":"web_search"}}`),
		frame("content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"queries\":[\"q\"]}"}}`),
		frame("content_block_stop", `{"index":1}`),
		frame("content_block_start", `{"index":2,"content_block":{"type":"text"}}`),
		frame("content_block_delta", `{"index":2,"delta":{"type":"text_delta","text":"hidden"}}`),
		frame("content_block_stop", `{"index":2}`),
		frame("message_stop", `{}`),
	}
	upstream := &fakeUpstream{streamFrames: frames, completeText: "final"}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(), UserID: uuid.New(), Text: "q",
	}, sink)
	require.NoError(t, err)

	for _, event := range sink.all() {
		assert.NotEqual(t, "hidden", event.Content,
			"text buffered after a tool block must not reach the client")
	}
}

func TestRunner_MidStreamFailure(t *testing.T) {
	frames := []string{
		frame("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"one"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"two"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"three"}}`),
		frame("error", `{"error":{"type":"overloaded_error","message":"Overloaded"}}`),
	}
	upstream := &fakeUpstream{streamFrames: frames}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(), UserID: uuid.New(), Text: "q",
	}, sink)
	require.Error(t, err)

	events := sink.all()
	assert.Equal(t,
		[]string{EventUserMessage, EventAssistantStart, EventContent, EventContent,
			EventContent, EventError},
		eventTypes(events))
	assert.Equal(t, "the model stream failed", events[len(events)-1].Message)

	// The partial assistant text is never persisted; only the user row is.
	messages := persister.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestRunner_UpstreamErrorMapsToClientSafeMessage(t *testing.T) {
	upstream := &fakeUpstream{streamErr: provider.ErrAuthentication}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, nil)

	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: uuid.New(), UserID: uuid.New(), Text: "q",
	}, sink)
	require.Error(t, err)

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "authentication with the model provider failed", last.Message)
}

func TestRunner_GeneratesTitleWhenRequested(t *testing.T) {
	upstream := &fakeUpstream{
		streamFrames: textFrames("Sure."),
		completeText: `"Trip planning help"`,
	}
	persister := &fakePersister{}
	runner := newTestRunner(t, upstream, persister, &fakeSearcher{}, nil)

	conversationID := uuid.New()
	sink := &collectSink{}
	err := runner.Run(context.Background(), Request{
		ConversationID: conversationID,
		UserID:         uuid.New(),
		Text:           "help me plan a trip",
		GenerateTitle:  true,
	}, sink)
	require.NoError(t, err)
	runner.Wait()

	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Equal(t, conversationID, persister.titleID)
	assert.Equal(t, "Trip planning help", persister.title)

	completes := upstream.completeRequests()
	require.Len(t, completes, 1)
	assert.Equal(t, provider.ToolsNone, completes[0].ToolMode)
	assert.Contains(t, completes[0].Messages[0].Content[0].Text, "help me plan a trip")
}
