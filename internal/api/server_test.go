package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/store"
	"github.com/riffle-ai/riffle/internal/testutil"
	"github.com/riffle-ai/riffle/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner replays a scripted event sequence into the sink.
type fakeRunner struct {
	mu     sync.Mutex
	events []turn.Event
	err    error
	got    []turn.Request
}

func (f *fakeRunner) Run(_ context.Context, req turn.Request, sink turn.Sink) error {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	for _, event := range f.events {
		if err := sink.Emit(event); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeRunner) requests() []turn.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.Request{}, f.got...)
}

type fakeIdentity struct {
	mu    sync.Mutex
	users map[string]*store.User
}

func (f *fakeIdentity) UserByToken(_ context.Context, token string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[token]; ok {
		return user, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeIdentity) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, token)
}

type fakeConversations struct {
	conversation *store.Conversation
	ownershipErr error
	createErr    error
}

func (f *fakeConversations) CreateConversation(_ context.Context, ownerID uuid.UUID, title string) (*store.Conversation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &store.Conversation{ID: uuid.New(), OwnerID: ownerID, Title: title}, nil
}

func (f *fakeConversations) GetConversation(context.Context, uuid.UUID) (*store.Conversation, error) {
	if f.conversation == nil {
		return nil, store.ErrNotFound
	}
	return f.conversation, nil
}

func (f *fakeConversations) VerifyOwnership(context.Context, uuid.UUID, uuid.UUID) error {
	return f.ownershipErr
}

type serverFixture struct {
	server        *Server
	runner        *fakeRunner
	identity      *fakeIdentity
	conversations *fakeConversations
	user          *store.User
	token         string
	conversation  uuid.UUID
}

func newFixture(t *testing.T, events []turn.Event) *serverFixture {
	t.Helper()

	user := &store.User{ID: uuid.New(), Email: "ada@example.com", Name: "Ada"}
	conversationID := uuid.New()
	runner := &fakeRunner{events: events}
	identity := &fakeIdentity{users: map[string]*store.User{"tok-good": user}}
	conversations := &fakeConversations{
		conversation: &store.Conversation{ID: conversationID, OwnerID: user.ID},
	}

	server, err := NewServer(ServerConfig{
		Logger:        log.NewNop(),
		Runner:        runner,
		Identity:      identity,
		Conversations: conversations,
		RateBurst:     1000,
	})
	require.NoError(t, err)

	return &serverFixture{
		server:        server,
		runner:        runner,
		identity:      identity,
		conversations: conversations,
		user:          user,
		token:         "tok-good",
		conversation:  conversationID,
	}
}

func (f *serverFixture) chatBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(ChatRequest{
		ConversationID: f.conversation.String(),
		Text:           "hello",
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func turnEvents() []turn.Event {
	return []turn.Event{
		turn.UserMessage(uuid.NewString()),
		turn.AssistantStart(uuid.NewString()),
		turn.Content("Hel"),
		turn.Content("lo"),
		turn.Done(uuid.NewString()),
	}
}

func TestChatSSE_StreamsTurnEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turnEvents())

	request := httptest.NewRequest(http.MethodPost, "/api/chat", f.chatBody(t))
	request.Header.Set("Authorization", "Bearer "+f.token)
	recorder := httptest.NewRecorder()

	f.server.Handler().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, recorder.Body.String())
	assert.Equal(t,
		[]string{"user_message", "assistant_start", "content", "content", "done"},
		testutil.EventTypes(events))

	// The data payload is the full event JSON, same as the websocket channel.
	content := testutil.FindEvent(events, "content")
	require.NotNil(t, content)
	var decoded turn.Event
	require.NoError(t, json.Unmarshal([]byte(content.Data), &decoded))
	assert.Equal(t, "Hel", decoded.Content)

	requests := f.runner.requests()
	require.Len(t, requests, 1)
	assert.Equal(t, f.conversation, requests[0].ConversationID)
	assert.Equal(t, f.user.ID, requests[0].UserID)
	assert.True(t, requests[0].GenerateTitle, "untitled conversation requests a title")
}

func TestChatSSE_RequiresAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "unknown token", token: "tok-bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			request := httptest.NewRequest(http.MethodPost, "/api/chat", f.chatBody(t))
			if tt.token != "" {
				request.Header.Set("Authorization", "Bearer "+tt.token)
			}
			recorder := httptest.NewRecorder()

			f.server.Handler().ServeHTTP(recorder, request)

			assert.Equal(t, http.StatusUnauthorized, recorder.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body.Error)
		})
	}
}

func TestChatSSE_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(f *serverFixture, req *ChatRequest)
		message string
	}{
		{
			name:    "bad conversation id",
			mutate:  func(_ *serverFixture, req *ChatRequest) { req.ConversationID = "nope" },
			message: "invalid conversation id",
		},
		{
			name:    "empty message",
			mutate:  func(_ *serverFixture, req *ChatRequest) { req.Text = "   " },
			message: "text or attachments required",
		},
		{
			name: "foreign conversation",
			mutate: func(f *serverFixture, _ *ChatRequest) {
				f.conversations.ownershipErr = store.ErrNotOwner
			},
			message: "conversation not found",
		},
		{
			name: "unsupported attachment type",
			mutate: func(_ *serverFixture, req *ChatRequest) {
				req.Attachments = []WireAttachment{{Name: "x.bin", MIME: "application/octet-stream", Data: "AAAA"}}
			},
			message: "unsupported attachment type",
		},
		{
			name: "attachment not base64",
			mutate: func(_ *serverFixture, req *ChatRequest) {
				req.Attachments = []WireAttachment{{Name: "n.txt", MIME: "text/plain", Data: "%%%"}}
			},
			message: "not valid base64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			chatReq := ChatRequest{ConversationID: f.conversation.String(), Text: "hello"}
			tt.mutate(f, &chatReq)

			body, err := json.Marshal(chatReq)
			require.NoError(t, err)
			request := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
			request.Header.Set("Authorization", "Bearer "+f.token)
			recorder := httptest.NewRecorder()

			f.server.Handler().ServeHTTP(recorder, request)

			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			assert.Contains(t, recorder.Body.String(), tt.message)
			assert.Empty(t, f.runner.requests(), "invalid requests never reach the runner")
		})
	}
}

func TestHealth_BehindIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	t.Run("authorized", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodGet, "/health", nil)
		request.Header.Set("Authorization", "Bearer "+f.token)
		recorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusOK, recorder.Code)
	})

	t.Run("expired session distinguishes itself", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodGet, "/health", nil)
		request.Header.Set("Authorization", "Bearer tok-expired")
		recorder := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	request := httptest.NewRequest(http.MethodPost, "/api/conversations", nil)
	request.Header.Set("Authorization", "Bearer "+f.token)
	recorder := httptest.NewRecorder()

	f.server.Handler().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusCreated, recorder.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	_, err := uuid.Parse(body["id"])
	assert.NoError(t, err)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	user := &store.User{ID: uuid.New()}
	server, err := NewServer(ServerConfig{
		Logger:        log.NewNop(),
		Runner:        &fakeRunner{},
		Identity:      &fakeIdentity{users: map[string]*store.User{"tok": user}},
		Conversations: &fakeConversations{},
		RateBurst:     2,
	})
	require.NoError(t, err)

	var last int
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/health", nil)
		request.RemoteAddr = "10.1.2.3:5555"
		request.Header.Set("Authorization", "Bearer tok")
		recorder := httptest.NewRecorder()
		server.Handler().ServeHTTP(recorder, request)
		last = recorder.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "third request exceeds burst of 2")
}

func TestCORS(t *testing.T) {
	t.Parallel()

	user := &store.User{ID: uuid.New()}
	server, err := NewServer(ServerConfig{
		Logger:        log.NewNop(),
		Runner:        &fakeRunner{},
		Identity:      &fakeIdentity{users: map[string]*store.User{"tok": user}},
		Conversations: &fakeConversations{},
		CORSOrigins:   []string{"https://app.example.com"},
		RateBurst:     1000,
	})
	require.NoError(t, err)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		request.Header.Set("Origin", "https://app.example.com")
		recorder := httptest.NewRecorder()
		server.Handler().ServeHTTP(recorder, request)
		assert.Equal(t, http.StatusNoContent, recorder.Code)
		assert.Equal(t, "https://app.example.com",
			recorder.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets no CORS headers", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		request.Header.Set("Origin", "https://evil.example.com")
		recorder := httptest.NewRecorder()
		server.Handler().ServeHTTP(recorder, request)
		assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	recovered := recoveryMiddleware(log.NewNop())(http.HandlerFunc(
		func(http.ResponseWriter, *http.Request) { panic("boom") }))

	recorder := httptest.NewRecorder()
	recovered.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}

func TestDecodeAttachment_SizeLimit(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("A", ((maxAttachmentBytes/3)+2)*4)
	_, err := decodeAttachment(WireAttachment{Name: "big.txt", MIME: "text/plain", Data: big})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "192.0.2.1:4321"
	request.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.1")

	assert.Equal(t, "192.0.2.1", clientIP(request, false))
	assert.Equal(t, "203.0.113.9", clientIP(request, true))
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	withHeader := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	withHeader.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(withHeader))

	withQuery := httptest.NewRequest(http.MethodGet, "/api/ws?token=xyz", nil)
	assert.Equal(t, "xyz", bearerToken(withQuery))
}
