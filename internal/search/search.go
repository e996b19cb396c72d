// Package search implements the web search client against a SearXNG-style
// JSON API. Results are formatted into the plain-text blocks fed back to the
// model as tool results.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/riffle-ai/riffle/internal/log"
)

// ErrNoResults indicates the search completed but returned nothing usable.
var ErrNoResults = errors.New("search returned no results")

// Config contains parameters for the search client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // 0 = 10 seconds
	MaxResults int           // 0 = 5
	HTTPClient *http.Client  // nil = default with Timeout
	Logger     log.Logger
}

// Client queries the search engine's JSON API.
//
// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxResults int
	logger     log.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults == 0 {
		maxResults = 5
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxResults: maxResults,
		logger:     cfg.Logger,
	}, nil
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search runs one query and returns the formatted result text suitable for a
// tool_result block.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	results, err := c.query(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%w for %q", ErrNoResults, query)
	}
	return Format(results), nil
}

func (c *Client) query(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: creating request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("search: querying %q: %w", query, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return nil, fmt.Errorf("search: engine returned %d: %s",
			response.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("search: decoding response: %w", err)
	}

	results := payload.Results
	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}

	c.logger.Debug("search completed", "query", query, "results", len(results))
	return results, nil
}

// Format renders results as one plain-text block per hit.
func Format(results []Result) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(r.Title)
		sb.WriteString(" - ")
		sb.WriteString(r.URL)
		if r.Content != "" {
			sb.WriteString("\n")
			sb.WriteString(r.Content)
		}
	}
	return sb.String()
}
