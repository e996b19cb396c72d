// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.riffle/config.yaml or ./config.yaml)
//  3. Default values
//
// Security: sensitive fields (secrets, API keys, database passwords) are
// masked in MarshalJSON/String and must never be logged directly.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrMissingTokenCredentials indicates provider token credentials are not set.
	ErrMissingTokenCredentials = errors.New("missing provider token credentials")

	// ErrInvalidBaseURL indicates a malformed service base URL.
	ErrInvalidBaseURL = errors.New("invalid base URL")

	// ErrInvalidModel indicates the model name is empty or malformed.
	ErrInvalidModel = errors.New("invalid model name")

	// ErrInvalidContextWindow indicates the context budget values are inconsistent.
	ErrInvalidContextWindow = errors.New("invalid context window configuration")

	// ErrInvalidPostgres indicates the PostgreSQL connection settings are invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidMemory indicates the memory retrieval settings are out of range.
	ErrInvalidMemory = errors.New("invalid memory configuration")
)

// AnthropicConfig configures the upstream Messages API client.
type AnthropicConfig struct {
	BaseURL      string `mapstructure:"base_url" json:"base_url"`
	Version      string `mapstructure:"version" json:"version"` // anthropic-version header
	Model        string `mapstructure:"model" json:"model"`
	MaxTokens    int    `mapstructure:"max_tokens" json:"max_tokens"` // reserved output budget
	TokenURL     string `mapstructure:"token_url" json:"token_url"`
	ClientID     string `mapstructure:"client_id" json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret"` // SENSITIVE: masked in MarshalJSON
}

// SearchConfig configures the SearXNG web search collaborator.
type SearchConfig struct {
	BaseURL    string `mapstructure:"base_url" json:"base_url"`
	TimeoutMS  int    `mapstructure:"timeout_ms" json:"timeout_ms"`
	MaxResults int    `mapstructure:"max_results" json:"max_results"`
}

// MemoryConfig configures memory retrieval and extraction.
// Limit and MinSimilarity are configuration inputs rather than constants so
// deployments can tune retrieval without a rebuild.
type MemoryConfig struct {
	Limit          int     `mapstructure:"limit" json:"limit"`
	MinSimilarity  float64 `mapstructure:"min_similarity" json:"min_similarity"`
	EmbeddingModel string  `mapstructure:"embedding_model" json:"embedding_model"`
	OpenAIBaseURL  string  `mapstructure:"openai_base_url" json:"openai_base_url"`
	OpenAIAPIKey   string  `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// HTTP server
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Upstream provider
	Anthropic AnthropicConfig `mapstructure:"anthropic" json:"anthropic"`

	// Context assembly budget
	ContextWindowTokens int     `mapstructure:"context_window_tokens" json:"context_window_tokens"`
	InputSafetyMargin   float64 `mapstructure:"input_safety_margin" json:"input_safety_margin"`

	// Storage
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Collaborators
	SearXNG SearchConfig `mapstructure:"searxng" json:"searxng"`
	Memory  MemoryConfig `mapstructure:"memory" json:"memory"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".riffle")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("listen_addr", "localhost:8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)

	viper.SetDefault("anthropic.base_url", "https://api.anthropic.com")
	viper.SetDefault("anthropic.version", "2023-06-01")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	viper.SetDefault("anthropic.max_tokens", 4096)

	viper.SetDefault("context_window_tokens", 200000)
	viper.SetDefault("input_safety_margin", 0.75)

	// PostgreSQL defaults match docker-compose.yml.
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "riffle")
	viper.SetDefault("postgres_password", "riffle_dev_password")
	viper.SetDefault("postgres_db_name", "riffle")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("searxng.base_url", "http://localhost:8888")
	viper.SetDefault("searxng.timeout_ms", 10000)
	viper.SetDefault("searxng.max_results", 5)

	viper.SetDefault("memory.limit", 10)
	viper.SetDefault("memory.min_similarity", 0.70)
	viper.SetDefault("memory.embedding_model", "text-embedding-3-small")
	viper.SetDefault("memory.openai_base_url", "https://api.openai.com/v1")
}

// bindEnvVariables binds sensitive environment variables explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("anthropic.client_id", "RIFFLE_PROVIDER_CLIENT_ID")
	mustBind("anthropic.client_secret", "RIFFLE_PROVIDER_CLIENT_SECRET")
	mustBind("anthropic.token_url", "RIFFLE_PROVIDER_TOKEN_URL")
	mustBind("anthropic.model", "RIFFLE_MODEL")
	mustBind("memory.openai_api_key", "OPENAI_API_KEY")
	mustBind("cors_origins", "RIFFLE_CORS_ORIGINS")
	mustBind("trust_proxy", "RIFFLE_TRUST_PROXY")
	mustBind("listen_addr", "RIFFLE_LISTEN_ADDR")
}

// parseDatabaseURL overrides PostgreSQL settings from DATABASE_URL when set.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPostgres, u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("parsing port: %w", err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// DatabaseURL returns the postgres:// connection URL for pgx and migrations.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked; longer ones keep the first and last 2 chars for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.Anthropic.ClientSecret = maskSecret(a.Anthropic.ClientSecret)
	a.Memory.OpenAIAPIKey = maskSecret(a.Memory.OpenAIAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
