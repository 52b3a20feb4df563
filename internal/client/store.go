// Package client implements the CoachRelay client library: an optimistic
// local timeline reconciled against the server's durable record, plus the
// HTTP transport that talks to the API.
package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/util"
)

// Status is the delivery state of a local message.
type Status string

const (
	// StatusPending marks an optimistic message not yet acknowledged.
	StatusPending Status = "pending"
	// StatusConfirmed marks a message matched to its durable server record.
	StatusConfirmed Status = "confirmed"
	// StatusFailed marks a message whose send failed; it can be retried.
	StatusFailed Status = "failed"
)

// LocalMessage is one entry in the optimistic timeline. DurableID is empty
// until the entry is confirmed.
type LocalMessage struct {
	LocalID          string        `json:"local_id"`
	DurableID        string        `json:"durable_id,omitempty"`
	CorrelationToken string        `json:"correlation_token,omitempty"`
	Sender           models.Sender `json:"sender"`
	Content          string        `json:"content"`
	Status           Status        `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Store holds the local conversation timeline. It is a single logical actor:
// every mutation runs under one mutex, so state transitions are atomic and
// observable snapshots are consistent.
type Store struct {
	mu         sync.Mutex
	timeline   []LocalMessage
	generation uint64
}

// NewStore creates an empty reconciliation store.
func NewStore() *Store {
	return &Store{}
}

// Submit appends an optimistic pending user message and returns its
// correlation token, the key later used to confirm or fail it.
func (s *Store) Submit(content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := util.GenerateCorrelationToken()
	s.timeline = append(s.timeline, LocalMessage{
		LocalID:          util.GenerateRandomID("local_", 16),
		CorrelationToken: token,
		Sender:           models.SenderUser,
		Content:          content,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	})
	slog.Debug("client.Store.Submit: pending message added", "correlationToken", token)
	return token
}

// Confirm applies the server result for a submitted message: the pending
// entry is replaced in place with its durable identity and the coach replies
// are appended after it. A confirmation for an entry already marked failed
// still applies; the server outcome wins.
func (s *Store) Confirm(token string, result *models.ChatResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfToken(token)
	if idx < 0 {
		// The entry may have been dropped by a refresh that already carried
		// the durable rows; nothing to reconcile.
		slog.Debug("client.Store.Confirm: no local entry for token", "correlationToken", token)
		return
	}

	entry := &s.timeline[idx]
	entry.Status = StatusConfirmed
	entry.DurableID = result.SavedIDs.UserMessageID

	// Insert coach replies right after the user entry, skipping any already
	// present from an interleaved refresh.
	if s.coachReplyAt(idx+1, result.SavedIDs.CoachMessageID) {
		slog.Debug("client.Store.Confirm: coach reply already present", "correlationToken", token)
		return
	}
	replies := make([]LocalMessage, 0, len(result.GeneratedTexts))
	for _, text := range result.GeneratedTexts {
		replies = append(replies, LocalMessage{
			LocalID:   util.GenerateRandomID("local_", 16),
			DurableID: result.SavedIDs.CoachMessageID,
			Sender:    models.SenderCoach,
			Content:   text,
			Status:    StatusConfirmed,
			CreatedAt: result.SavedIDs.CreatedAt,
		})
	}
	s.timeline = append(s.timeline[:idx+1], append(replies, s.timeline[idx+1:]...)...)
	slog.Debug("client.Store.Confirm: entry confirmed", "correlationToken", token, "replies", len(replies))
}

// Fail marks a pending message as failed. Confirmed messages are left alone:
// a late failure signal never demotes a durable record.
func (s *Store) Fail(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfToken(token)
	if idx < 0 || s.timeline[idx].Status == StatusConfirmed {
		return
	}
	s.timeline[idx].Status = StatusFailed
	slog.Debug("client.Store.Fail: entry marked failed", "correlationToken", token)
}

// Retry moves a failed message back to pending and returns its content for
// resending with the same correlation token, preserving server idempotency.
// It returns false when the token is unknown or the entry is not failed.
func (s *Store) Retry(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfToken(token)
	if idx < 0 || s.timeline[idx].Status != StatusFailed {
		return "", false
	}
	s.timeline[idx].Status = StatusPending
	slog.Debug("client.Store.Retry: entry re-pending", "correlationToken", token)
	return s.timeline[idx].Content, true
}

// BeginRefresh reserves a refresh generation. Only the result tagged with the
// newest generation is applied; slower concurrent refreshes are discarded.
func (s *Store) BeginRefresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

// ApplyRefresh replaces the timeline with the server history, keeping local
// pending and failed entries that the server does not know yet. Returns false
// when the generation is stale and the result was discarded.
func (s *Store) ApplyRefresh(generation uint64, history []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		slog.Debug("client.Store.ApplyRefresh: stale refresh discarded", "generation", generation, "current", s.generation)
		return false
	}

	serverTokens := make(map[string]bool, len(history))
	rebuilt := make([]LocalMessage, 0, len(history))
	for _, m := range history {
		if m.CorrelationToken != "" {
			serverTokens[m.CorrelationToken] = true
		}
		rebuilt = append(rebuilt, LocalMessage{
			LocalID:          util.GenerateRandomID("local_", 16),
			DurableID:        m.ID,
			CorrelationToken: m.CorrelationToken,
			Sender:           m.Sender,
			Content:          m.Content,
			Status:           StatusConfirmed,
			CreatedAt:        m.CreatedAt,
		})
	}

	// Unacknowledged local sends survive the refresh at the tail.
	for _, entry := range s.timeline {
		if entry.Status == StatusConfirmed {
			continue
		}
		if entry.CorrelationToken != "" && serverTokens[entry.CorrelationToken] {
			// The server already has this send; the durable row above
			// supersedes the optimistic entry.
			continue
		}
		rebuilt = append(rebuilt, entry)
	}

	s.timeline = rebuilt
	slog.Debug("client.Store.ApplyRefresh: timeline rebuilt", "entries", len(rebuilt))
	return true
}

// Messages returns a consistent snapshot of the timeline.
func (s *Store) Messages() []LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LocalMessage(nil), s.timeline...)
}

// indexOfToken finds the user entry with the given correlation token.
// Callers hold s.mu.
func (s *Store) indexOfToken(token string) int {
	for i := range s.timeline {
		if s.timeline[i].CorrelationToken == token && s.timeline[i].Sender == models.SenderUser {
			return i
		}
	}
	return -1
}

// coachReplyAt reports whether the entry at idx is a coach reply with the
// given durable id. Callers hold s.mu.
func (s *Store) coachReplyAt(idx int, durableID string) bool {
	if durableID == "" || idx >= len(s.timeline) {
		return false
	}
	e := s.timeline[idx]
	return e.Sender == models.SenderCoach && e.DurableID == durableID
}
