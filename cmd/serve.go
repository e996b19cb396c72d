package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/riffle-ai/riffle/db"
	"github.com/riffle-ai/riffle/internal/api"
	"github.com/riffle-ai/riffle/internal/assemble"
	"github.com/riffle-ai/riffle/internal/config"
	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/memory"
	"github.com/riffle-ai/riffle/internal/provider"
	"github.com/riffle-ai/riffle/internal/search"
	"github.com/riffle-ai/riffle/internal/store"
	"github.com/riffle-ai/riffle/internal/turn"
)

// Server timeout configuration. WriteTimeout must outlast the longest
// streamed turn.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the riffle API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveDebug, "debug", "d", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: true})
	logger.Info("starting riffle", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	tokens, err := provider.NewTokenSource(provider.TokenConfig{
		TokenURL:     cfg.Anthropic.TokenURL,
		ClientID:     cfg.Anthropic.ClientID,
		ClientSecret: cfg.Anthropic.ClientSecret,
		Logger:       logger.With("component", "tokens"),
	})
	if err != nil {
		return fmt.Errorf("creating token source: %w", err)
	}

	upstream, err := provider.New(provider.Config{
		BaseURL: cfg.Anthropic.BaseURL,
		Version: cfg.Anthropic.Version,
		Tokens:  tokens,
		Logger:  logger.With("component", "provider"),
	})
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	searcher, err := search.New(search.Config{
		BaseURL:    cfg.SearXNG.BaseURL,
		Timeout:    time.Duration(cfg.SearXNG.TimeoutMS) * time.Millisecond,
		MaxResults: cfg.SearXNG.MaxResults,
		Logger:     logger.With("component", "search"),
	})
	if err != nil {
		return fmt.Errorf("creating search client: %w", err)
	}

	persistence := store.New(pool, logger.With("component", "store"))

	var memoryStore *memory.Store
	if cfg.Memory.OpenAIAPIKey != "" {
		openaiConfig := openai.DefaultConfig(cfg.Memory.OpenAIAPIKey)
		openaiConfig.BaseURL = cfg.Memory.OpenAIBaseURL

		memoryStore, err = memory.New(pool, openai.NewClientWithConfig(openaiConfig), upstream,
			memory.Config{
				Limit:          cfg.Memory.Limit,
				MinSimilarity:  cfg.Memory.MinSimilarity,
				EmbeddingModel: cfg.Memory.EmbeddingModel,
				Model:          cfg.Anthropic.Model,
				MaxTokens:      1024,
			},
			logger.With("component", "memory"))
		if err != nil {
			return fmt.Errorf("creating memory store: %w", err)
		}
	} else {
		logger.Warn("OPENAI_API_KEY not set, memory is disabled")
	}

	// memory.Store is optional; avoid a typed-nil interface inside the
	// assembler and runner when it is absent.
	var retriever assemble.MemoryRetriever
	var turnMemory turn.Memory
	if memoryStore != nil {
		retriever = memoryStore
		turnMemory = memoryStore
	}

	assembler := assemble.New(persistence, retriever,
		assemble.Config{
			ContextWindow:  cfg.ContextWindowTokens,
			ReservedOutput: cfg.Anthropic.MaxTokens,
			SafetyMargin:   cfg.InputSafetyMargin,
		},
		logger.With("component", "assemble"))

	runner, err := turn.New(upstream, assembler, persistence, searcher, turnMemory,
		turn.Config{Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens},
		logger.With("component", "turn"))
	if err != nil {
		return fmt.Errorf("creating turn runner: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:        logger.With("component", "api"),
		Runner:        runner,
		Identity:      persistence,
		Conversations: persistence,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
		RateBurst:     cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready", "addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh

		// Drain background work before the pool closes.
		runner.Wait()
		if memoryStore != nil {
			memoryStore.Wait()
		}
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
