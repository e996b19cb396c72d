package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riffle-ai/riffle/internal/log"
)

// ErrAuthentication indicates the provider (or the token endpoint) rejected
// our credentials. Turns failing with this error are never retried
// automatically; the failure is surfaced as a session-expiry condition.
var ErrAuthentication = errors.New("provider authentication failed")

// APIError is returned when the Messages API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

// Config contains required parameters for the upstream client.
type Config struct {
	BaseURL    string       // e.g. https://api.anthropic.com
	Version    string       // anthropic-version header value
	Tokens     *TokenSource // bearer token acquisition
	HTTPClient *http.Client // nil = default with 5 minute timeout
	Logger     log.Logger
}

// Client speaks the Messages API over HTTP. It supports a non-streaming mode
// (single JSON response, used for auxiliary generation like titles and memory
// extraction) and a streaming mode (SSE, used for chat turns).
//
// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	version    string
	tokens     *TokenSource
	logger     log.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Streaming turns can legitimately run for minutes.
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		version:    cfg.Version,
		tokens:     cfg.Tokens,
		logger:     cfg.Logger,
	}, nil
}

// Complete sends a non-streaming request and returns the full response.
func (c *Client) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := c.do(ctx, request, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResponse.Body.Close() }()

	var wire wireResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("provider: decoding response: %w", err)
	}
	return wire.toResponse(), nil
}

// Stream sends a streaming request and returns a live EventStream. The
// caller must Close the stream, even when iteration ends early.
func (c *Client) Stream(ctx context.Context, request Request) (*EventStream, error) {
	httpResponse, err := c.do(ctx, request, true)
	if err != nil {
		return nil, err
	}
	return NewEventStream(httpResponse.Body), nil
}

// buildRequest converts the public request to wire format, applying the
// three-valued tool offering mode.
func (c *Client) buildRequest(request Request, stream bool) wireRequest {
	wire := wireRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
		System:    request.System,
		Stream:    stream,
	}

	for _, message := range request.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(message))
	}

	if request.ToolMode != ToolsNone {
		for _, tool := range request.Tools {
			wire.Tools = append(wire.Tools, wireTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		if request.ToolMode == ToolsForbidden {
			wire.ToolChoice = &wireToolChoice{Type: "none"}
		}
	}

	return wire
}

// do acquires a token, POSTs the request and returns the HTTP response with
// an open body. Non-2xx statuses are converted to APIError; a 401 wraps
// ErrAuthentication.
func (c *Client) do(ctx context.Context, request Request, stream bool) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(c.buildRequest(request, stream))
	if err != nil {
		return nil, fmt.Errorf("provider: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+token)
	if c.version != "" {
		httpRequest.Header.Set("anthropic-version", c.version)
	}
	if stream {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("provider: sending request: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer func() { _ = httpResponse.Body.Close() }()
		apiErr := readAPIError(httpResponse)
		if httpResponse.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthentication, apiErr)
		}
		return nil, apiErr
	}

	return httpResponse, nil
}

// readAPIError parses an error response body in the provider's common
// format: {"error":{"type":"...","message":"..."}}.
func readAPIError(httpResponse *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &APIError{
			StatusCode: httpResponse.StatusCode,
			Type:       wire.Error.Type,
			Message:    wire.Error.Message,
		}
	}
	return &APIError{StatusCode: httpResponse.StatusCode, Message: string(body)}
}
