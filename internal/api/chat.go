package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/riffle-ai/riffle/internal/assemble"
	"github.com/riffle-ai/riffle/internal/store"
	"github.com/riffle-ai/riffle/internal/turn"
)

const (
	// maxAttachmentBytes bounds one decoded attachment.
	maxAttachmentBytes = 5 << 20

	// maxRequestBytes bounds the whole chat request body.
	maxRequestBytes = 32 << 20
)

// ChatRequest is the inbound chat request body, shared by both channels.
type ChatRequest struct {
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text"`
	Attachments    []WireAttachment `json:"attachments,omitempty"`
}

// WireAttachment carries one attachment, base64 in transit.
type WireAttachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// validateChatRequest checks the request and resolves it into a turn request.
// Everything here is rejected before any upstream call; these failures are
// cheap for the client to fix and retry.
func (s *Server) validateChatRequest(r *http.Request, user *store.User, req ChatRequest) (turn.Request, error) {
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return turn.Request{}, fmt.Errorf("invalid conversation id %q", req.ConversationID)
	}

	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return turn.Request{}, errors.New("message text or attachments required")
	}

	if err := s.cfg.Conversations.VerifyOwnership(r.Context(), conversationID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotOwner) {
			return turn.Request{}, errors.New("conversation not found")
		}
		return turn.Request{}, fmt.Errorf("verifying conversation: %w", err)
	}

	attachments := make([]assemble.Attachment, 0, len(req.Attachments))
	for _, wire := range req.Attachments {
		attachment, err := decodeAttachment(wire)
		if err != nil {
			return turn.Request{}, err
		}
		attachments = append(attachments, attachment)
	}

	generateTitle := false
	if conversation, err := s.cfg.Conversations.GetConversation(r.Context(), conversationID); err == nil {
		generateTitle = conversation.Title == ""
	}

	return turn.Request{
		ConversationID: conversationID,
		UserID:         user.ID,
		Text:           req.Text,
		Attachments:    attachments,
		GenerateTitle:  generateTitle,
	}, nil
}

// decodeAttachment validates and decodes one wire attachment.
func decodeAttachment(wire WireAttachment) (assemble.Attachment, error) {
	if !allowedMIME(wire.MIME) {
		return assemble.Attachment{}, fmt.Errorf("unsupported attachment type %q", wire.MIME)
	}

	data, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return assemble.Attachment{}, fmt.Errorf("attachment %q is not valid base64", wire.Name)
	}
	if len(data) == 0 {
		return assemble.Attachment{}, fmt.Errorf("attachment %q is empty", wire.Name)
	}
	if len(data) > maxAttachmentBytes {
		return assemble.Attachment{}, fmt.Errorf("attachment %q exceeds %d bytes",
			wire.Name, maxAttachmentBytes)
	}

	return assemble.Attachment{Name: wire.Name, MIME: wire.MIME, Data: data}, nil
}

func allowedMIME(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/gif", "image/webp", "application/json":
		return true
	}
	return strings.HasPrefix(mime, "text/")
}

// handleChatSSE runs one turn over the chunked fallback channel: POST with a
// JSON body, response streamed as SSE frames.
func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "no identity", s.logger)
		return
	}

	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", s.logger)
		return
	}

	turnReq, err := s.validateChatRequest(r, user, req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", err.Error(), s.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError,
			"internal_error", "streaming unsupported", s.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	// The turn emits its own terminal error event; nothing more to send.
	_ = s.cfg.Runner.Run(r.Context(), turnReq, sink)
}

// sseSink frames turn events as SSE: the event name is the type, the data is
// the same JSON payload the websocket channel sends.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Emit(event turn.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
