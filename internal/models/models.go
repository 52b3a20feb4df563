// Package models defines the core data structures for CoachRelay.
//
// It includes the message, routing, and thread types shared across modules,
// plus the standard API response envelope.
package models

import (
	"errors"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message written by the user.
	SenderUser Sender = "user"
	// SenderCoach marks a message generated on behalf of the coach.
	SenderCoach Sender = "coach"
)

// Strategy defines which response-generation path a message takes.
type Strategy string

const (
	// StrategyCacheHit serves a canned reply from the pattern cache.
	StrategyCacheHit Strategy = "cache_hit"
	// StrategySingleTurn issues a self-contained completion request.
	StrategySingleTurn Strategy = "single_turn"
	// StrategyStatefulTurn runs the message through the provider-held thread.
	StrategyStatefulTurn Strategy = "stateful_turn"
)

// IsValidStrategy checks if the given strategy is supported.
func IsValidStrategy(s Strategy) bool {
	switch s {
	case StrategyCacheHit, StrategySingleTurn, StrategyStatefulTurn:
		return true
	default:
		return false
	}
}

// ModelTier groups provider models by cost.
type ModelTier string

const (
	// TierCheap routes to the low-cost completion model.
	TierCheap ModelTier = "cheap"
	// TierPremium routes to the high-capability completion model.
	TierPremium ModelTier = "premium"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an incoming message.
	MaxMessageLength = 2000
	// MaxReplyLength defines the maximum length accepted from the provider before
	// the reply is rejected as low quality.
	MaxReplyLength = 1000
	// MaxCorrelationTokenLength bounds the client-supplied correlation token.
	MaxCorrelationTokenLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage            = errors.New("message cannot be empty")
	ErrMessageTooLong          = errors.New("message exceeds maximum length")
	ErrMissingConversationID   = errors.New("conversation_id is required")
	ErrMissingCorrelationToken = errors.New("correlation_token is required")
	ErrCorrelationTokenTooLong = errors.New("correlation_token exceeds maximum length")

	// ErrProviderUnavailable indicates a transient provider failure; callers may
	// retry with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected indicates a permanent provider refusal; callers must
	// not retry.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrPersistenceUnavailable indicates the durable store could not be
	// reached; the exchange must not be reported as saved.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// Message is the unit of conversation. ID and CreatedAt are assigned by the
// persistence service; a message without an ID has not been durably stored.
type Message struct {
	ID               string    `json:"id"`
	CorrelationToken string    `json:"correlation_token,omitempty"`
	ConversationID   string    `json:"conversation_id"`
	Sender           Sender    `json:"sender"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
}

// UserState is the lightweight per-user routing input. It carries no
// provider-side state; the router must stay a pure function of its inputs.
type UserState struct {
	TurnCount    int       `json:"turn_count"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
	ToneTags     []string  `json:"tone_tags,omitempty"`
}

// RoutingDecision is the router's output. It is deterministic for a fixed
// (message, state) pair and is logged for reproducibility, never persisted.
type RoutingDecision struct {
	Strategy Strategy  `json:"strategy"`
	Model    string    `json:"model"`
	Tier     ModelTier `json:"tier"`
	CacheKey string    `json:"cache_key,omitempty"`
	Reason   string    `json:"reason"`
}

// ConversationThread maps a user to the provider-held stateful context.
// Pruning destroys and recreates the external thread; the record is swapped,
// never mutated half-way.
type ConversationThread struct {
	UserID           string    `json:"user_id"`
	ExternalThreadID string    `json:"external_thread_id"`
	TurnCount        int       `json:"turn_count"`
	PrunedAt         time.Time `json:"pruned_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Exchange is one user message and its coach reply, persisted as an atomic
// pair keyed by (ConversationID, CorrelationToken).
type Exchange struct {
	ConversationID   string   `json:"conversation_id"`
	CorrelationToken string   `json:"correlation_token"`
	UserText         string   `json:"user_text"`
	CoachText        string   `json:"coach_text"`
	Strategy         Strategy `json:"strategy"`
}

// SavedExchange holds the durable identifiers returned by the persistence
// service. Repeated saves with the same idempotency key return the same ids.
type SavedExchange struct {
	UserMessageID    string    `json:"user_message_id"`
	CoachMessageID   string    `json:"coach_message_id"`
	CorrelationToken string    `json:"correlation_token"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChatRequest is the send-message payload.
type ChatRequest struct {
	Message          string `json:"message"`
	ConversationID   string `json:"conversation_id"`
	CorrelationToken string `json:"correlation_token"`
}

// Validate performs validation on a ChatRequest.
func (r *ChatRequest) Validate() error {
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if r.ConversationID == "" {
		return ErrMissingConversationID
	}
	if r.CorrelationToken == "" {
		return ErrMissingCorrelationToken
	}
	if len(r.CorrelationToken) > MaxCorrelationTokenLength {
		return ErrCorrelationTokenTooLong
	}
	return nil
}

// ChatResult is the send-message response body. The echoed CorrelationToken
// is the client's reconciliation key and is always present.
type ChatResult struct {
	GeneratedTexts   []string      `json:"generated_texts"`
	StrategyUsed     Strategy      `json:"strategy_used"`
	SavedIDs         SavedExchange `json:"saved_ids"`
	CorrelationToken string        `json:"correlation_token"`
	FallbackUsed     bool          `json:"fallback_used,omitempty"`
}

// Page describes a history read window. Since takes precedence over Offset
// when set.
type Page struct {
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
	Since  time.Time `json:"since,omitempty"`
}

// HistoryPage is one page of chat history in chronological ascending order.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
