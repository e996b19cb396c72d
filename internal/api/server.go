// Package api exposes the chat relay over HTTP: a websocket channel
// (primary), an SSE channel (fallback), conversation creation, and the
// liveness endpoint used by client-side expiry probes. Both channels run the
// same turn orchestration and serialize identical event payloads; only the
// framing differs.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/store"
	"github.com/riffle-ai/riffle/internal/turn"
)

// TurnRunner executes one chat turn against a sink.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, sink turn.Sink) error
}

// Identity resolves bearer session tokens.
type Identity interface {
	UserByToken(ctx context.Context, token string) (*store.User, error)
}

// ConversationStore is the slice of the store the handlers need.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID uuid.UUID, title string) (*store.Conversation, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*store.Conversation, error)
	VerifyOwnership(ctx context.Context, conversationID, userID uuid.UUID) error
}

// ServerConfig contains everything the API server needs.
type ServerConfig struct {
	Logger        log.Logger
	Runner        TurnRunner
	Identity      Identity
	Conversations ConversationStore
	CORSOrigins   []string
	TrustProxy    bool
	RateBurst     int // 0 = default
}

// defaultRateBurst allows short request bursts per IP on top of the steady
// per-second rate.
const (
	defaultRateBurst = 20
	ratePerSecond    = 5
)

// Server is the HTTP API server.
type Server struct {
	cfg     ServerConfig
	logger  log.Logger
	handler http.Handler
}

// NewServer creates a Server with its full middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Runner == nil || cfg.Identity == nil || cfg.Conversations == nil {
		return nil, errors.New("runner, identity and conversations are required")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("POST /api/chat", s.handleChatSSE)
	mux.HandleFunc("GET /api/ws", s.handleWebsocket)

	rl := newRateLimit(ratePerSecond, cfg.RateBurst, cfg.TrustProxy, cfg.Logger)

	var handler http.Handler = mux
	handler = identityMiddleware(cfg.Identity, cfg.Logger)(handler)
	handler = rl.middleware(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(cfg.Logger)(handler)
	handler = recoveryMiddleware(cfg.Logger)(handler)
	s.handler = handler

	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth is the liveness endpoint. It sits behind the identity
// middleware on purpose: the client supervisor probes it to distinguish
// session expiry (401) from transient outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// handleCreateConversation creates an untitled conversation for the caller.
// The title is filled in by background generation after the first turn.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "no identity", s.logger)
		return
	}

	conversation, err := s.cfg.Conversations.CreateConversation(r.Context(), user.ID, "")
	if err != nil {
		s.logger.Error("creating conversation", "user", user.ID, "error", err)
		WriteError(w, http.StatusInternalServerError,
			"internal_error", "could not create conversation", s.logger)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id": conversation.ID.String(),
	}, s.logger)
}
