// Package memory implements the personalization collaborator: durable facts
// about a user stored with vector embeddings in PostgreSQL + pgvector,
// retrieved by cosine similarity and extracted from finished turns in the
// background.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/provider"
)

const (
	// embedTimeout bounds one embedding call.
	embedTimeout = 15 * time.Second

	// processTimeout bounds one background extraction run.
	processTimeout = 60 * time.Second

	// maxFactLength discards runaway extraction output.
	maxFactLength = 500
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Embedder is the slice of the OpenAI-compatible client we need.
// *openai.Client satisfies it.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Completer produces non-streaming completions, used for fact extraction.
type Completer interface {
	Complete(ctx context.Context, request provider.Request) (*provider.Response, error)
}

// Config contains retrieval and embedding parameters.
type Config struct {
	Limit          int     // max snippets returned per retrieval
	MinSimilarity  float64 // cosine similarity cutoff, 0..1
	EmbeddingModel string
	Model          string // completion model for extraction
	MaxTokens      int    // completion budget for extraction
}

// Store manages per-user memory.
//
// Store is safe for concurrent use.
type Store struct {
	db        querier
	embedder  Embedder
	completer Completer
	cfg       Config
	logger    log.Logger

	wg sync.WaitGroup
}

// New creates a Store.
func New(db querier, embedder Embedder, completer Completer, cfg Config, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Store{db: db, embedder: embedder, completer: completer, cfg: cfg, logger: logger}, nil
}

// embed generates a vector embedding for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := s.embedder.CreateEmbeddings(embedCtx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(s.cfg.EmbeddingModel),
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("empty embedding response")
	}
	return pgvector.NewVector(resp.Data[0].Embedding), nil
}

// RetrieveRelevant returns memory snippets similar to the query, most similar
// first, filtered by the configured similarity cutoff.
func (s *Store) RetrieveRelevant(ctx context.Context, userID uuid.UUID, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT content
		 FROM memories
		 WHERE user_id = $1
		   AND 1 - (embedding <=> $2) >= $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		userID, vec, s.cfg.MinSimilarity, s.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	defer rows.Close()

	var snippets []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		snippets = append(snippets, sanitize(content))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}

	s.logger.Debug("retrieved memories", "user", userID, "count", len(snippets))
	return snippets, nil
}

// Turn is one role/content pair of a finished conversation turn.
type Turn struct {
	Role    string
	Content string
}

// ProcessTurnAsync extracts durable facts from a finished turn in the
// background. It detaches from the request context on purpose: extraction
// must never delay or fail the user-visible turn. Wait drains outstanding
// work on shutdown.
func (s *Store) ProcessTurnAsync(userID, conversationID uuid.UUID, turns []Turn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()

		if err := s.processTurn(ctx, userID, conversationID, turns); err != nil {
			s.logger.Warn("memory extraction failed",
				"user", userID, "conversation", conversationID, "error", err)
		}
	}()
}

// Wait blocks until all background extraction work has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) processTurn(ctx context.Context, userID, conversationID uuid.UUID, turns []Turn) error {
	if s.completer == nil {
		return nil
	}

	facts, err := s.extractFacts(ctx, turns)
	if err != nil {
		return err
	}

	for _, fact := range facts {
		vec, err := s.embed(ctx, fact)
		if err != nil {
			return fmt.Errorf("embedding fact: %w", err)
		}
		// Exact duplicates are dropped silently.
		if _, err := s.db.Exec(ctx,
			`INSERT INTO memories (id, user_id, conversation_id, content, embedding)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, md5(content)) DO NOTHING`,
			uuid.New(), userID, conversationID, fact, vec); err != nil {
			return fmt.Errorf("inserting memory: %w", err)
		}
	}

	if len(facts) > 0 {
		s.logger.Debug("stored memories", "user", userID, "count", len(facts))
	}
	return nil
}

// sanitize strips characters that could let stored memory content smuggle
// markup or instruction separators into the live prompt.
func sanitize(s string) string {
	return strings.NewReplacer(
		"<", "",
		">", "",
		"`", "",
		"\n", " ",
		"\r", " ",
	).Replace(s)
}
