package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a configuration that passes Validate.
func validConfig() Config {
	return Config{
		ListenAddr: "localhost:8080",
		Anthropic: AnthropicConfig{
			BaseURL:      "https://api.anthropic.com",
			Version:      "2023-06-01",
			Model:        "claude-sonnet-4-20250514",
			MaxTokens:    4096,
			TokenURL:     "https://auth.example.com/token",
			ClientID:     "client",
			ClientSecret: "secret",
		},
		ContextWindowTokens: 200000,
		InputSafetyMargin:   0.75,
		PostgresHost:        "localhost",
		PostgresPort:        5432,
		PostgresUser:        "riffle",
		PostgresPassword:    "pw",
		PostgresDBName:      "riffle",
		PostgresSSLMode:     "disable",
		SearXNG:             SearchConfig{BaseURL: "http://localhost:8888", MaxResults: 5},
		Memory:              MemoryConfig{Limit: 10, MinSimilarity: 0.7},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "bad provider scheme",
			mutate:  func(c *Config) { c.Anthropic.BaseURL = "ftp://api" },
			wantErr: ErrInvalidBaseURL,
		},
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.Anthropic.Model = "  " },
			wantErr: ErrInvalidModel,
		},
		{
			name:    "window not above reserved output",
			mutate:  func(c *Config) { c.ContextWindowTokens = 4096 },
			wantErr: ErrInvalidContextWindow,
		},
		{
			name:    "safety margin above one",
			mutate:  func(c *Config) { c.InputSafetyMargin = 1.5 },
			wantErr: ErrInvalidContextWindow,
		},
		{
			name:    "postgres port out of range",
			mutate:  func(c *Config) { c.PostgresPort = 70000 },
			wantErr: ErrInvalidPostgres,
		},
		{
			name:    "unknown sslmode",
			mutate:  func(c *Config) { c.PostgresSSLMode = "maybe" },
			wantErr: ErrInvalidPostgres,
		},
		{
			name:    "similarity out of range",
			mutate:  func(c *Config) { c.Memory.MinSimilarity = 1.2 },
			wantErr: ErrInvalidMemory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateServe(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.NoError(t, cfg.ValidateServe())

	missing := validConfig()
	missing.Anthropic.ClientSecret = ""
	require.ErrorIs(t, missing.ValidateServe(), ErrMissingTokenCredentials)

	noURL := validConfig()
	noURL.Anthropic.TokenURL = ""
	require.ErrorIs(t, noURL.ValidateServe(), ErrMissingTokenCredentials)
}

func TestDatabaseURL_EscapesCredentials(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresPassword = "p@ss:word"

	got := cfg.DatabaseURL()
	assert.Contains(t, got, "p%40ss%3Aword")
	assert.True(t, strings.HasPrefix(got, "postgres://"))
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, maskedValue, maskSecret("short"))

	long := maskSecret("sk-verylongsecretvalue")
	assert.True(t, strings.HasPrefix(long, "sk"))
	assert.True(t, strings.HasSuffix(long, "ue"))
	assert.NotContains(t, long, "verylongsecret")
}

func TestString_MasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PostgresPassword = "super-secret-password"
	cfg.Anthropic.ClientSecret = "client-secret-value"

	s := cfg.String()
	assert.NotContains(t, s, "super-secret-password")
	assert.NotContains(t, s, "client-secret-value")
	assert.Contains(t, s, maskedValue)
}
