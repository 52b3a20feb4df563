// Package store provides storage backends for CoachRelay.
//
// It includes an in-memory store for tests, plus SQLite and PostgreSQL
// backends. All backends implement the same idempotent exchange write keyed
// by (conversation_id, correlation_token).
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachrelay/coachrelay/internal/models"
)

// DefaultListLimit is used when a history read does not specify a limit.
const DefaultListLimit = 50

// Store is the durable persistence interface.
type Store interface {
	// SaveExchange persists the user message and coach reply as an atomic
	// pair. The write is idempotent on (ConversationID, CorrelationToken):
	// a retried save returns the identifiers of the existing pair.
	SaveExchange(ctx context.Context, ex models.Exchange) (models.SavedExchange, error)

	// ListMessages returns one page of history in chronological ascending
	// order. Page.Since takes precedence over Page.Offset when set.
	ListMessages(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error)

	// GetThread returns the thread mapping for a user, or nil when absent.
	GetThread(ctx context.Context, userID string) (*models.ConversationThread, error)

	// SaveThread inserts or replaces the thread mapping for a user.
	SaveThread(ctx context.Context, thread models.ConversationThread) error

	// DeleteThread removes the thread mapping for a user.
	DeleteThread(ctx context.Context, userID string) error

	// Close releases backend resources.
	Close() error
}

// Opts holds store configuration options.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN configures the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests and as a
// fallback when no DSN is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message          // conversationID -> ascending messages
	byToken  map[string]models.SavedExchange      // conversationID+"\x00"+token -> saved ids
	threads  map[string]models.ConversationThread // userID -> thread mapping
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]models.Message),
		byToken:  make(map[string]models.SavedExchange),
		threads:  make(map[string]models.ConversationThread),
	}
}

func exchangeKey(conversationID, token string) string {
	return conversationID + "\x00" + token
}

// SaveExchange persists the pair, or returns the existing identifiers when
// the idempotency key was already written.
func (s *InMemoryStore) SaveExchange(ctx context.Context, ex models.Exchange) (models.SavedExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := exchangeKey(ex.ConversationID, ex.CorrelationToken)
	if saved, ok := s.byToken[key]; ok {
		slog.Debug("InMemoryStore.SaveExchange: idempotent replay", "conversationID", ex.ConversationID, "correlationToken", ex.CorrelationToken)
		return saved, nil
	}

	now := time.Now().UTC()
	userMsg := models.Message{
		ID:               uuid.NewString(),
		CorrelationToken: ex.CorrelationToken,
		ConversationID:   ex.ConversationID,
		Sender:           models.SenderUser,
		Content:          ex.UserText,
		CreatedAt:        now,
	}
	coachMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: ex.ConversationID,
		Sender:         models.SenderCoach,
		Content:        ex.CoachText,
		CreatedAt:      now,
	}
	s.messages[ex.ConversationID] = append(s.messages[ex.ConversationID], userMsg, coachMsg)

	saved := models.SavedExchange{
		UserMessageID:    userMsg.ID,
		CoachMessageID:   coachMsg.ID,
		CorrelationToken: ex.CorrelationToken,
		CreatedAt:        now,
	}
	s.byToken[key] = saved
	slog.Debug("InMemoryStore.SaveExchange: pair stored", "conversationID", ex.ConversationID, "userMessageID", userMsg.ID, "coachMessageID", coachMsg.ID)
	return saved, nil
}

// ListMessages returns a chronologically ascending page of history.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	// Messages are appended in insertion order with monotonic timestamps, but
	// sort defensively so pagination stays stable.
	ordered := make([]models.Message, len(all))
	copy(ordered, all)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	if !page.Since.IsZero() {
		idx := sort.Search(len(ordered), func(i int) bool {
			return ordered[i].CreatedAt.After(page.Since)
		})
		ordered = ordered[idx:]
	} else if page.Offset > 0 {
		if page.Offset >= len(ordered) {
			ordered = nil
		} else {
			ordered = ordered[page.Offset:]
		}
	}

	limit := page.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	hasMore := len(ordered) > limit
	if hasMore {
		ordered = ordered[:limit]
	}

	return models.HistoryPage{Messages: ordered, HasMore: hasMore}, nil
}

// GetThread returns the thread mapping for a user, or nil when absent.
func (s *InMemoryStore) GetThread(ctx context.Context, userID string) (*models.ConversationThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[userID]
	if !ok {
		return nil, nil
	}
	return &thread, nil
}

// SaveThread inserts or replaces the thread mapping for a user.
func (s *InMemoryStore) SaveThread(ctx context.Context, thread models.ConversationThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.UserID] = thread
	return nil
}

// DeleteThread removes the thread mapping for a user.
func (s *InMemoryStore) DeleteThread(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, userID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
