// Package client implements the client-side transport supervisor: it keeps
// the websocket channel alive, distinguishes session expiry from transient
// network failure, and falls back to the SSE channel when the duplex channel
// is unavailable. The caller sees the same event sequence either way.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/provider"
	"github.com/riffle-ai/riffle/internal/turn"
)

// State is the supervisor's view of the persistent channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// ErrRequestPending is returned by Send when a request is already queued
// waiting for the channel to open. At most one request queues.
var ErrRequestPending = errors.New("a chat request is already pending")

// ChatRequest mirrors the server's chat request body.
type ChatRequest struct {
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text"`
	Attachments    []WireAttachment `json:"attachments,omitempty"`
}

// WireAttachment is one base64-encoded attachment.
type WireAttachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// wsOutbound frames a chat request for the websocket channel.
type wsOutbound struct {
	Type string `json:"type"`
	ChatRequest
}

// Config contains the supervisor's parameters.
type Config struct {
	BaseURL string // e.g. http://localhost:8080
	Token   string // bearer session token

	// Handler receives every turn event, in order, regardless of channel.
	Handler func(turn.Event)

	// OnExpired fires exactly once when the session is known to be expired.
	// The supervisor never reconnects after expiry.
	OnExpired func()

	ReconnectDelay time.Duration // 0 = 3 seconds
	Dialer         *websocket.Dialer
	HTTPClient     *http.Client
	Logger         log.Logger
}

// Supervisor manages one persistent channel handle.
type Supervisor struct {
	cfg       Config
	wsURL     string
	chatURL   string
	healthURL string

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending *ChatRequest

	expireOnce sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("event handler is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	wsBase := strings.Replace(strings.Replace(base, "https://", "wss://", 1), "http://", "ws://", 1)

	return &Supervisor{
		cfg:       cfg,
		wsURL:     wsBase + "/api/ws",
		chatURL:   base + "/api/chat",
		healthURL: base + "/health",
		state:     StateConnecting,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the connection loop in the background.
func (s *Supervisor) Start() {
	go s.loop()
}

// Stop tears the supervisor down.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// State returns the current channel state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, err := s.dial()
		if err != nil {
			s.cfg.Logger.Debug("websocket dial failed", "error", err)
			s.setState(StateClosed, nil)
			if !s.sleep() {
				return
			}
			s.setState(StateConnecting, nil)
			continue
		}

		s.setState(StateOpen, conn)
		s.flushPending()

		closeCode := s.readLoop(conn)
		_ = conn.Close()
		s.setState(StateClosed, nil)

		select {
		case <-s.stop:
			return
		default:
		}

		switch closeCode {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			// Server said goodbye cleanly; nothing to recover.
			return

		case websocket.ClosePolicyViolation:
			// Certain session expiry. No probe, no reconnect.
			s.expire()
			return

		default:
			// Unexpected closure. Probe before reconnecting so an expired
			// session is surfaced instead of reconnect-looping into 401s.
			if s.probeSaysExpired() {
				s.expire()
				return
			}
			if !s.sleep() {
				return
			}
			s.setState(StateConnecting, nil)
		}
	}
}

func (s *Supervisor) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, response, err := s.cfg.Dialer.Dial(s.wsURL, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			s.expire()
		}
		return nil, fmt.Errorf("dialing %s: %w", s.wsURL, err)
	}
	return conn, nil
}

// readLoop dispatches inbound messages until the connection drops, returning
// the close code (or -1 for non-close errors).
func (s *Supervisor) readLoop(conn *websocket.Conn) int {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return -1
		}
		s.dispatch(raw)
	}
}

// dispatch routes one inbound message: out-of-band frames are handled here,
// turn events go to the caller's handler.
func (s *Supervisor) dispatch(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.cfg.Logger.Warn("unparseable server message", "error", err)
		return
	}

	switch envelope.Type {
	case "connected", "pong":
		s.cfg.Logger.Debug("out-of-band message", "type", envelope.Type)
	default:
		var event turn.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			s.cfg.Logger.Warn("unparseable event", "error", err)
			return
		}
		s.cfg.Handler(event)
	}
}

// Send submits one chat request. Open channel: sent immediately. Connecting:
// queued (at most one) and flushed on open. Channel unavailable: the SSE
// fallback carries the request with the identical event sequence.
func (s *Supervisor) Send(ctx context.Context, request ChatRequest) error {
	s.mu.Lock()
	switch s.state {
	case StateOpen:
		conn := s.conn
		s.mu.Unlock()
		return s.writeChat(conn, request)

	case StateConnecting:
		if s.pending != nil {
			s.mu.Unlock()
			return ErrRequestPending
		}
		s.pending = &request
		s.mu.Unlock()
		return nil

	default:
		s.mu.Unlock()
		return s.sendSSE(ctx, request)
	}
}

func (s *Supervisor) writeChat(conn *websocket.Conn, request ChatRequest) error {
	if err := conn.WriteJSON(wsOutbound{Type: "chat", ChatRequest: request}); err != nil {
		return fmt.Errorf("sending chat request: %w", err)
	}
	return nil
}

func (s *Supervisor) flushPending() {
	s.mu.Lock()
	request := s.pending
	s.pending = nil
	conn := s.conn
	s.mu.Unlock()

	if request == nil || conn == nil {
		return
	}
	if err := s.writeChat(conn, *request); err != nil {
		s.cfg.Logger.Warn("flushing pending request", "error", err)
	}
}

// sendSSE runs one turn over the fallback channel, feeding the parsed events
// to the same handler the websocket path uses.
func (s *Supervisor) sendSSE(ctx context.Context, request ChatRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, s.chatURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	httpRequest.Header.Set("Accept", "text/event-stream")

	// Streaming responses outlive the default client timeout.
	httpClient := &http.Client{Transport: s.cfg.HTTPClient.Transport}

	response, err := httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("sending chat request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusUnauthorized {
		s.expire()
		return fmt.Errorf("session expired")
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("chat endpoint returned %d", response.StatusCode)
	}

	scanner := provider.NewSSEScanner(response.Body)
	for scanner.Next() {
		var event turn.Event
		if err := json.Unmarshal([]byte(scanner.Event().Data), &event); err != nil {
			s.cfg.Logger.Warn("unparseable SSE event", "error", err)
			continue
		}
		s.cfg.Handler(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

// probeSaysExpired checks the liveness endpoint with the session token.
// Only a definite 401 means expiry; any other outcome, including the probe
// itself failing, is treated as transient.
func (s *Supervisor) probeSaysExpired() bool {
	request, err := http.NewRequest(http.MethodGet, s.healthURL, nil)
	if err != nil {
		return false
	}
	request.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	response, err := s.cfg.HTTPClient.Do(request)
	if err != nil {
		s.cfg.Logger.Debug("liveness probe failed", "error", err)
		return false
	}
	defer func() { _ = response.Body.Close() }()

	return response.StatusCode == http.StatusUnauthorized
}

// expire raises the one-shot session expiry signal.
func (s *Supervisor) expire() {
	s.expireOnce.Do(func() {
		s.cfg.Logger.Info("session expired")
		if s.cfg.OnExpired != nil {
			s.cfg.OnExpired()
		}
	})
}

// sleep waits the reconnect delay, returning false if stopped meanwhile.
func (s *Supervisor) sleep() bool {
	select {
	case <-time.After(s.cfg.ReconnectDelay):
		return true
	case <-s.stop:
		return false
	}
}

func (s *Supervisor) setState(state State, conn *websocket.Conn) {
	s.mu.Lock()
	s.state = state
	s.conn = conn
	s.mu.Unlock()
}
