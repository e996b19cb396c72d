package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/riffle-ai/riffle/internal/log"
)

// tokenRefreshMargin is how long before expiry a cached token is considered
// stale. Refreshing early avoids racing the provider's clock.
const tokenRefreshMargin = 60 * time.Second

// TokenSource acquires and caches bearer tokens from a client-credentials
// token endpoint. The cached token is reused until shortly before expiry;
// concurrent callers needing a fresh token share a single in-flight fetch.
//
// TokenSource is safe for concurrent use.
type TokenSource struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	logger       log.Logger

	group singleflight.Group
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// TokenConfig contains parameters for a TokenSource.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client // nil = default with 30 second timeout
	Logger       log.Logger
}

// NewTokenSource creates a TokenSource.
func NewTokenSource(cfg TokenConfig) (*TokenSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &TokenSource{
		httpClient:   httpClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		logger:       cfg.Logger,
		now:          time.Now,
	}, nil
}

// Token returns a valid bearer token, fetching a new one when the cache is
// empty or within the refresh margin of expiry. All concurrent callers that
// miss the cache share one outbound fetch.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.token != "" && ts.now().Before(ts.expires.Add(-tokenRefreshMargin)) {
		token := ts.token
		ts.mu.Unlock()
		return token, nil
	}
	ts.mu.Unlock()

	// singleflight collapses concurrent refreshes into one fetch; every
	// waiter gets the same result.
	value, err, _ := ts.group.Do("token", func() (any, error) {
		// Another waiter may have refreshed while we queued.
		ts.mu.Lock()
		if ts.token != "" && ts.now().Before(ts.expires.Add(-tokenRefreshMargin)) {
			token := ts.token
			ts.mu.Unlock()
			return token, nil
		}
		ts.mu.Unlock()

		token, expires, err := ts.fetch(ctx)
		if err != nil {
			return "", err
		}

		ts.mu.Lock()
		ts.token = token
		ts.expires = expires
		ts.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// fetch performs the client-credentials exchange.
func (ts *TokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.clientID)
	form.Set("client_secret", ts.clientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("provider: creating token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := ts.httpClient.Do(request)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("provider: fetching token: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
			return "", time.Time{}, fmt.Errorf("%w: token endpoint returned %d: %s",
				ErrAuthentication, response.StatusCode, strings.TrimSpace(string(body)))
		}
		return "", time.Time{}, fmt.Errorf("provider: token endpoint returned %d: %s",
			response.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("provider: decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned empty token", ErrAuthentication)
	}

	expires := ts.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	ts.logger.Debug("acquired provider token", "expires_in_s", payload.ExpiresIn)
	return payload.AccessToken, expires, nil
}
