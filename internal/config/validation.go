package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate performs fail-fast validation of the loaded configuration.
// It checks everything the serve path needs before any connection is opened.
func (c *Config) Validate() error {
	if err := validateBaseURL(c.Anthropic.BaseURL); err != nil {
		return fmt.Errorf("anthropic.base_url: %w", err)
	}
	if strings.TrimSpace(c.Anthropic.Model) == "" {
		return fmt.Errorf("%w: anthropic.model is empty", ErrInvalidModel)
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("%w: anthropic.max_tokens must be positive", ErrInvalidContextWindow)
	}

	if c.ContextWindowTokens <= c.Anthropic.MaxTokens {
		return fmt.Errorf("%w: context_window_tokens (%d) must exceed anthropic.max_tokens (%d)",
			ErrInvalidContextWindow, c.ContextWindowTokens, c.Anthropic.MaxTokens)
	}
	if c.InputSafetyMargin <= 0 || c.InputSafetyMargin > 1 {
		return fmt.Errorf("%w: input_safety_margin must be in (0, 1]", ErrInvalidContextWindow)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host is empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name is empty", ErrInvalidPostgres)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: unknown sslmode %q", ErrInvalidPostgres, c.PostgresSSLMode)
	}

	if err := validateBaseURL(c.SearXNG.BaseURL); err != nil {
		return fmt.Errorf("searxng.base_url: %w", err)
	}
	if c.SearXNG.MaxResults < 1 {
		return fmt.Errorf("searxng.max_results must be at least 1")
	}

	if c.Memory.Limit < 0 {
		return fmt.Errorf("%w: memory.limit is negative", ErrInvalidMemory)
	}
	if c.Memory.MinSimilarity < 0 || c.Memory.MinSimilarity > 1 {
		return fmt.Errorf("%w: memory.min_similarity must be in [0, 1]", ErrInvalidMemory)
	}

	return nil
}

// ValidateServe checks settings only the serve command needs: the provider
// token endpoint credentials.
func (c *Config) ValidateServe() error {
	if c.Anthropic.TokenURL == "" {
		return fmt.Errorf("%w: anthropic.token_url is not set", ErrMissingTokenCredentials)
	}
	if err := validateBaseURL(c.Anthropic.TokenURL); err != nil {
		return fmt.Errorf("anthropic.token_url: %w", err)
	}
	if c.Anthropic.ClientID == "" || c.Anthropic.ClientSecret == "" {
		return fmt.Errorf("%w: set RIFFLE_PROVIDER_CLIENT_ID and RIFFLE_PROVIDER_CLIENT_SECRET",
			ErrMissingTokenCredentials)
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}
	return nil
}
