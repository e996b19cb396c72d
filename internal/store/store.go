// Package store provides PostgreSQL persistence for conversations, messages
// and the session-backed identity lookup.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/riffle-ai/riffle/internal/log"
)

// Sentinel errors for callers that need to branch on outcome.
var (
	ErrNotFound = errors.New("not found")
	ErrNotOwner = errors.New("conversation not owned by user")
)

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        uuid.UUID
	Title     string
	OwnerID   uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one immutable row of conversation history.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	CreatedAt      time.Time
}

// User is a resolved identity.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// Querier is the subset of pgx operations the store needs. Defined here, by
// the consumer, so tests can substitute a mock without a live database.
// *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store manages conversation persistence.
//
// Store is safe for concurrent use.
type Store struct {
	querier Querier
	logger  log.Logger
}

// New creates a Store.
func New(querier Querier, logger log.Logger) *Store {
	return &Store{querier: querier, logger: logger}
}

// CreateConversation creates a new conversation for the owner. An empty title
// is allowed; it is filled in later by title generation.
func (s *Store) CreateConversation(ctx context.Context, ownerID uuid.UUID, title string) (*Conversation, error) {
	conversation := &Conversation{ID: uuid.New(), Title: title, OwnerID: ownerID}

	row := s.querier.QueryRow(ctx,
		`INSERT INTO conversations (id, title, owner_id)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		conversation.ID, conversation.Title, conversation.OwnerID)
	if err := row.Scan(&conversation.CreatedAt, &conversation.UpdatedAt); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conversation.ID, "owner", ownerID)
	return conversation, nil
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	conversation := &Conversation{ID: conversationID}

	row := s.querier.QueryRow(ctx,
		`SELECT title, owner_id, created_at, updated_at
		 FROM conversations WHERE id = $1`,
		conversationID)
	err := row.Scan(&conversation.Title, &conversation.OwnerID,
		&conversation.CreatedAt, &conversation.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", conversationID, err)
	}

	return conversation, nil
}

// VerifyOwnership checks that the conversation exists and belongs to userID.
// Returns ErrNotFound or ErrNotOwner accordingly. Ownership is checked per
// request, never cached, so a transferred or deleted conversation cannot be
// used with stale authorization.
func (s *Store) VerifyOwnership(ctx context.Context, conversationID, userID uuid.UUID) error {
	var ownerID uuid.UUID

	row := s.querier.QueryRow(ctx,
		`SELECT owner_id FROM conversations WHERE id = $1`, conversationID)
	err := row.Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("verifying ownership of %s: %w", conversationID, err)
	}

	if ownerID != userID {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotOwner)
	}
	return nil
}

// RecentMessages returns the last limit messages of the conversation in
// chronological order, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int32) ([]Message, error) {
	rows, err := s.querier.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages for %s: %w", conversationID, err)
	}

	// The query fetches newest-first so LIMIT keeps the tail of the
	// conversation; callers want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// InsertMessage appends one message row and bumps the conversation's
// updated_at.
func (s *Store) InsertMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*Message, error) {
	message := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}

	row := s.querier.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		message.ID, message.ConversationID, message.Role, message.Content)
	if err := row.Scan(&message.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := s.querier.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`,
		conversationID); err != nil {
		s.logger.Warn("bumping conversation updated_at", "id", conversationID, "error", err)
	}

	s.logger.Debug("inserted message",
		"id", message.ID, "conversation", conversationID, "role", role)
	return message, nil
}

// UpdateTitle sets the conversation title.
func (s *Store) UpdateTitle(ctx context.Context, conversationID uuid.UUID, title string) error {
	tag, err := s.querier.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
		conversationID, title)
	if err != nil {
		return fmt.Errorf("updating title of %s: %w", conversationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// UserByToken resolves a bearer session token to a user. Expired sessions
// behave as if the token did not exist.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	user := &User{}

	row := s.querier.QueryRow(ctx,
		`SELECT u.id, u.email, u.name
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token = $1 AND s.expires_at > now()`,
		token)
	err := row.Scan(&user.ID, &user.Email, &user.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	return user, nil
}
