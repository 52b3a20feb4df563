package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coachrelay/coachrelay/internal/models"
)

// DefaultRequestTimeout bounds one API round trip.
const DefaultRequestTimeout = 35 * time.Second

// ErrServerUnreachable indicates the API could not be reached; the send may
// be retried with the same correlation token.
var ErrServerUnreachable = errors.New("server unreachable")

// apiEnvelope mirrors the server's response wrapper with the result left raw
// for per-endpoint decoding.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// HTTPOpts holds transport configuration.
type HTTPOpts struct {
	BaseURL string
	Client  *http.Client
}

// HTTPOption configures the transport.
type HTTPOption func(*HTTPOpts)

// WithBaseURL sets the API base URL.
func WithBaseURL(base string) HTTPOption {
	return func(o *HTTPOpts) { o.BaseURL = base }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOpts) { o.Client = c }
}

// HTTPClient is the JSON transport to the CoachRelay API.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a transport for the given API base URL.
func NewHTTPClient(opts ...HTTPOption) (*HTTPClient, error) {
	cfg := HTTPOpts{
		Client: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL not set")
	}
	return &HTTPClient{base: cfg.BaseURL, client: cfg.Client}, nil
}

// Send posts a chat message and returns the server result.
func (c *HTTPClient) Send(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	env, status, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		slog.Warn("client.Send: server refused message", "status", status, "message", env.Message)
		return nil, fmt.Errorf("chat request failed (%d): %s", status, env.Message)
	}

	var result models.ChatResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding chat result: %w", err)
	}
	return &result, nil
}

// History fetches one page of conversation history.
func (c *HTTPClient) History(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	if !page.Since.IsZero() {
		q.Set("since", page.Since.Format(time.RFC3339))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/history?"+q.Encode(), nil)
	if err != nil {
		return models.HistoryPage{}, err
	}

	env, status, err := c.do(httpReq)
	if err != nil {
		return models.HistoryPage{}, err
	}
	if status != http.StatusOK {
		return models.HistoryPage{}, fmt.Errorf("history request failed (%d): %s", status, env.Message)
	}

	var history models.HistoryPage
	if err := json.Unmarshal(env.Result, &history); err != nil {
		return models.HistoryPage{}, fmt.Errorf("decoding history page: %w", err)
	}
	return history, nil
}

// do executes the request and decodes the response envelope.
func (c *HTTPClient) do(req *http.Request) (apiEnvelope, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return apiEnvelope{}, 0, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return apiEnvelope{}, resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return env, resp.StatusCode, nil
}
