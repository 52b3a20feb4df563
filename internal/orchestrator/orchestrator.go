// Package orchestrator drives the message lifecycle: route, generate (or
// serve from cache), persist, return.
//
// A message is only reported as delivered once the exchange is durably
// persisted. Provider failures degrade to a fallback utterance; persistence
// failures are hard errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/router"
	"github.com/coachrelay/coachrelay/internal/store"
	"github.com/coachrelay/coachrelay/internal/thread"
	"github.com/coachrelay/coachrelay/internal/tone"
)

// Retry defaults for transient provider failures.
const (
	// DefaultMaxAttempts bounds generation attempts per message.
	DefaultMaxAttempts = 2
	// DefaultRetryBackoff is the initial backoff, doubled per attempt.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Fallback utterances served when generation ultimately fails. The exchange
// is still persisted so the member's message is never lost.
var (
	transientFallbacks = []string{
		"I'm having trouble connecting right now. Your message is saved — give me a minute and we'll pick this up.",
		"Something hiccuped on my end. I've got your message; try me again shortly.",
	}
	permanentFallbacks = []string{
		"I couldn't work with that one. Mind rephrasing it for me?",
		"That message didn't go through on my side. Could you say it a different way?",
	}
)

// Opts holds orchestrator configuration.
type Opts struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	SystemPrompt string
}

// Option configures the orchestrator.
type Option func(*Opts)

// WithMaxAttempts bounds generation attempts for transient failures.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRetryBackoff sets the initial retry backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Opts) { o.RetryBackoff = d }
}

// WithSystemPrompt sets the coach persona for single-turn completions.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// DefaultSystemPrompt is the coach persona for single-turn completions.
const DefaultSystemPrompt = "You are a supportive accountability coach. " +
	"Reply in one or two short sentences. Be encouraging and concrete."

// Orchestrator wires the routing, generation, and persistence stages.
type Orchestrator struct {
	patterns *cache.Library
	replies  *cache.ReplyCache
	router   *router.Router
	threads  *thread.Manager
	provider genai.Provider
	store    store.Store
	tones    *tone.Tracker

	maxAttempts  int
	retryBackoff time.Duration
	systemPrompt string

	fallbackSeq atomic.Uint64
}

// New creates an orchestrator over the given collaborators.
func New(patterns *cache.Library, replies *cache.ReplyCache, rt *router.Router,
	threads *thread.Manager, provider genai.Provider, st store.Store,
	tones *tone.Tracker, opts ...Option) *Orchestrator {

	cfg := Opts{
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
		SystemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		patterns:     patterns,
		replies:      replies,
		router:       rt,
		threads:      threads,
		provider:     provider,
		store:        st,
		tones:        tones,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		systemPrompt: cfg.SystemPrompt,
	}
}

// HandleMessage runs one message through the full pipeline and returns the
// durable result. The returned error is non-nil only when the exchange could
// not be persisted; generation failures degrade to a fallback reply instead.
func (o *Orchestrator) HandleMessage(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Orchestrator.HandleMessage: received", "conversationID", req.ConversationID, "correlationToken", req.CorrelationToken)

	// One conversation per member, so the conversation id keys the tone
	// profile and the provider thread.
	userID := req.ConversationID

	state, err := o.threads.State(ctx, userID)
	if err != nil {
		// Routing degrades to a zero state rather than refusing the message;
		// persistence is checked for real at save time.
		slog.Warn("Orchestrator.HandleMessage: state read failed, routing with zero state", "error", err, "userID", userID)
		state = models.UserState{}
	}
	state.ToneTags = o.tones.Observe(userID, req.Message)

	decision := o.router.Route(req.Message, state)
	slog.Info("Orchestrator.HandleMessage: routed",
		"conversationID", req.ConversationID,
		"strategy", decision.Strategy,
		"model", decision.Model,
		"reason", decision.Reason)

	reply, strategyUsed, fallbackUsed := o.generate(ctx, req, decision, state)

	saved, err := o.store.SaveExchange(ctx, models.Exchange{
		ConversationID:   req.ConversationID,
		CorrelationToken: req.CorrelationToken,
		UserText:         req.Message,
		CoachText:        reply,
		Strategy:         strategyUsed,
	})
	if err != nil {
		slog.Error("Orchestrator.HandleMessage: persistence failed", "error", err, "conversationID", req.ConversationID)
		return nil, err
	}

	slog.Debug("Orchestrator.HandleMessage: returned",
		"conversationID", req.ConversationID,
		"userMessageID", saved.UserMessageID,
		"strategy", strategyUsed,
		"fallback", fallbackUsed)
	return &models.ChatResult{
		GeneratedTexts:   []string{reply},
		StrategyUsed:     strategyUsed,
		SavedIDs:         saved,
		CorrelationToken: req.CorrelationToken,
		FallbackUsed:     fallbackUsed,
	}, nil
}

// generate produces the coach reply for the routed strategy, degrading to a
// fallback utterance when the provider cannot serve.
func (o *Orchestrator) generate(ctx context.Context, req models.ChatRequest, decision models.RoutingDecision, state models.UserState) (string, models.Strategy, bool) {
	if decision.Strategy == models.StrategyCacheHit {
		if hit, ok := o.patterns.Match(req.Message); ok {
			return hit.Reply, models.StrategyCacheHit, false
		}
		// A routed hit that no longer matches falls through to generation.
		slog.Warn("Orchestrator.generate: routed cache hit missed on serve", "cacheKey", decision.CacheKey)
		decision.Strategy = models.StrategySingleTurn
	}

	var reply string
	var err error
	switch decision.Strategy {
	case models.StrategyStatefulTurn:
		reply, err = o.withRetry(ctx, func() (string, error) {
			return o.threads.RunTurn(ctx, req.ConversationID, req.ConversationID, req.Message, decision.Model)
		})
	default:
		reply, err = o.singleTurn(ctx, req, decision, state)
	}
	if err != nil {
		slog.Error("Orchestrator.generate: generation failed, serving fallback",
			"error", err, "strategy", decision.Strategy, "conversationID", req.ConversationID)
		return o.fallback(err), decision.Strategy, true
	}
	return reply, decision.Strategy, false
}

// singleTurn serves a self-contained completion, consulting the generated
// reply cache first so repeated identical prompts skip the provider.
func (o *Orchestrator) singleTurn(ctx context.Context, req models.ChatRequest, decision models.RoutingDecision, state models.UserState) (string, error) {
	key := cache.ReplyKey(req.ConversationID, req.Message)
	if cached, ok := o.replies.Get(key); ok {
		slog.Debug("Orchestrator.singleTurn: reply cache hit", "conversationID", req.ConversationID, "hits", cached.HitCount)
		return cached.Text, nil
	}

	system := o.systemPrompt
	if guide := tone.BuildGuide(state.ToneTags); guide != "" {
		system = system + "\n" + guide
	}

	reply, err := o.withRetry(ctx, func() (string, error) {
		return o.provider.Complete(ctx, genai.CompletionRequest{
			System: system,
			User:   req.Message,
			Model:  decision.Model,
		})
	})
	if err != nil {
		return "", err
	}
	o.replies.Put(key, reply)
	return reply, nil
}

// withRetry runs the generation call with bounded backoff. Only transient
// failures are retried; a rejection fails immediately.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	backoff := o.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		reply, err := fn()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !errors.Is(err, models.ErrProviderUnavailable) {
			return "", err
		}
		if attempt == o.maxAttempts {
			break
		}
		slog.Warn("Orchestrator.withRetry: transient failure, backing off",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", models.ErrProviderUnavailable, ctx.Err())
		}
		backoff *= 2
	}
	return "", lastErr
}

// fallback picks a static utterance matching the failure type, rotating
// through the candidates so repeated failures do not parrot one line.
func (o *Orchestrator) fallback(err error) string {
	pool := transientFallbacks
	if errors.Is(err, models.ErrProviderRejected) {
		pool = permanentFallbacks
	}
	idx := o.fallbackSeq.Add(1)
	return pool[int(idx)%len(pool)]
}

// History returns one page of conversation history.
func (o *Orchestrator) History(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	if conversationID == "" {
		return models.HistoryPage{}, models.ErrMissingConversationID
	}
	return o.store.ListMessages(ctx, conversationID, page)
}

// CleanupCaches removes expired generated replies. Wired to the maintenance
// scheduler; safe to call concurrently with traffic.
func (o *Orchestrator) CleanupCaches() int {
	return o.replies.CleanupExpired()
}
