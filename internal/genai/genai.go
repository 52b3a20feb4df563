// Package genai wraps the external conversational-AI provider behind a single
// narrow seam.
//
// Both the single-turn completion call and the stateful thread call share one
// return/error shape so callers never need strategy-specific error handling.
// Failures are normalized to models.ErrProviderUnavailable (transient) or
// models.ErrProviderRejected (permanent).
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/util"
)

// Default provider configuration
const (
	// DefaultTimeout converts a hung provider call into ErrProviderUnavailable.
	DefaultTimeout = 30 * time.Second
	// DefaultCheapModel serves routine single-turn traffic.
	DefaultCheapModel = "gpt-4o-mini"
	// DefaultPremiumModel serves stateful coaching turns.
	DefaultPremiumModel = "gpt-4o"
	// DefaultMaxTokens bounds reply length for single-turn completions.
	DefaultMaxTokens = 300
)

// ErrThreadNotFound marks a turn against a thread the provider no longer
// holds, typically because the process restarted and in-memory thread state
// was lost. It wraps into models.ErrProviderRejected, but callers that keep a
// durable thread mapping can detect it and rebuild the thread.
var ErrThreadNotFound = errors.New("thread not found")

// CompletionRequest describes a self-contained single-turn call.
type CompletionRequest struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Provider is the seam behind which the external AI provider is hidden.
// Implementations must return models.ErrProviderUnavailable for transient
// failures and models.ErrProviderRejected for permanent ones.
type Provider interface {
	// Complete issues a single-turn completion.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// CreateThread creates a fresh stateful thread, optionally seeded with
	// summary context, and returns its opaque identifier.
	CreateThread(ctx context.Context, seed string) (string, error)

	// RunTurn appends a user turn to the thread and returns the coach reply.
	RunTurn(ctx context.Context, threadID, message, model string) (string, error)

	// DeleteThread discards a thread and its accumulated turns.
	DeleteThread(ctx context.Context, threadID string) error
}

// chatCompleter is the minimal slice of the OpenAI SDK used by the client.
// It exists so tests can inject a scripted implementation.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the provider client.
type Opts struct {
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
	MaxTokens    int
}

// Option configures the provider client.
type Option func(*Opts)

// WithAPIKey sets the provider API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithSystemPrompt sets the coach system prompt used to seed threads.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithTimeout overrides the per-call provider timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxTokens overrides the default completion token budget.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// threadState accumulates the turns of one stateful thread. Threads are
// replayed to the completion endpoint on every turn, which keeps the opaque
// thread identifier fully under our control.
type threadState struct {
	messages []openai.ChatCompletionMessageParamUnion
}

// Client is the real provider implementation backed by the OpenAI API.
type Client struct {
	chat         chatCompleter
	systemPrompt string
	timeout      time.Duration
	maxTokens    int

	mu      sync.Mutex
	threads map[string]*threadState
}

// Compile-time check that Client implements Provider.
var _ Provider = (*Client)(nil)

// NewClient initializes a provider client. The API key is taken from options
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Timeout:   DefaultTimeout,
		MaxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("genai.NewClient: no API key configured")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("genai.NewClient: provider client initialized", "timeout", cfg.Timeout, "maxTokens", cfg.MaxTokens)
	return &Client{
		chat:         &cli.Chat.Completions,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
		maxTokens:    cfg.MaxTokens,
		threads:      make(map[string]*threadState),
	}, nil
}

// Complete issues a single-turn completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	slog.Debug("genai.Complete: issuing single-turn completion", "model", req.Model, "userLen", len(req.User))

	model := req.Model
	if model == "" {
		model = DefaultCheapModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	return c.call(ctx, params)
}

// CreateThread creates a fresh stateful thread seeded with the system prompt
// and, when pruning, the condensed summary of discarded turns.
func (c *Client) CreateThread(ctx context.Context, seed string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	state := &threadState{}
	if c.systemPrompt != "" {
		state.messages = append(state.messages, openai.SystemMessage(c.systemPrompt))
	}
	if seed != "" {
		state.messages = append(state.messages, openai.SystemMessage("Summary of the conversation so far: "+seed))
	}

	threadID := util.GenerateRandomID("th_", 24)
	c.mu.Lock()
	c.threads[threadID] = state
	c.mu.Unlock()

	slog.Debug("genai.CreateThread: thread created", "threadID", threadID, "seeded", seed != "")
	return threadID, nil
}

// RunTurn appends a user turn to the thread, replays the accumulated context
// to the provider, and records the coach reply on the thread.
func (c *Client) RunTurn(ctx context.Context, threadID, message, model string) (string, error) {
	c.mu.Lock()
	state, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		slog.Warn("genai.RunTurn: unknown thread", "threadID", threadID)
		return "", fmt.Errorf("%w: %w: %s", models.ErrProviderRejected, ErrThreadNotFound, threadID)
	}
	// Snapshot under the lock so a concurrent prune cannot race the replay.
	msgs := make([]openai.ChatCompletionMessageParamUnion, len(state.messages), len(state.messages)+2)
	copy(msgs, state.messages)
	c.mu.Unlock()

	if model == "" {
		model = DefaultPremiumModel
	}
	msgs = append(msgs, openai.UserMessage(message))

	reply, err := c.call(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if state, ok := c.threads[threadID]; ok {
		state.messages = append(state.messages, openai.UserMessage(message), openai.AssistantMessage(reply))
	}
	c.mu.Unlock()

	slog.Debug("genai.RunTurn: turn completed", "threadID", threadID, "replyLen", len(reply))
	return reply, nil
}

// DeleteThread discards a thread. Deleting an unknown thread is a no-op.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	delete(c.threads, threadID)
	c.mu.Unlock()
	slog.Debug("genai.DeleteThread: thread discarded", "threadID", threadID)
	return nil
}

// call performs the provider request with the configured timeout and
// normalizes errors and reply quality.
func (c *Client) call(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("genai.call: provider returned no choices")
		return "", fmt.Errorf("%w: no choices returned", models.ErrProviderUnavailable)
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reason := replyQualityIssue(reply); reason != "" {
		slog.Warn("genai.call: rejecting low-quality reply", "reason", reason, "replyLen", len(reply))
		return "", fmt.Errorf("%w: %s", models.ErrProviderUnavailable, reason)
	}
	return reply, nil
}

// classifyProviderError maps SDK and context errors onto the two-error taxonomy.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("%w: %v", models.ErrProviderRejected, err)
		}
	}

	// Network-level failures without an HTTP status are treated as transient.
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

// replyQualityIssue checks a reply before it is accepted. Empty, over-long,
// or degenerate replies are refused so a retry can produce a usable one.
func replyQualityIssue(reply string) string {
	if reply == "" {
		return "empty reply"
	}
	if len(reply) > models.MaxReplyLength {
		return fmt.Sprintf("reply too long (%d chars)", len(reply))
	}
	words := strings.Fields(reply)
	if len(words) > 10 {
		unique := make(map[string]bool, len(words))
		for _, w := range words {
			unique[strings.ToLower(w)] = true
		}
		if len(unique) < 3 {
			return "reply is repetitive"
		}
	}
	return ""
}
