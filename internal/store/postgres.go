// Package store provides storage backends for CoachRelay.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/coachrelay/coachrelay/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveExchange persists the user/coach pair in one transaction, idempotent on
// (conversation_id, correlation_token).
func (s *PostgresStore) SaveExchange(ctx context.Context, ex models.Exchange) (models.SavedExchange, error) {
	if saved, ok, err := s.findExchange(ctx, ex.ConversationID, ex.CorrelationToken); err != nil {
		return models.SavedExchange{}, err
	} else if ok {
		slog.Debug("PostgresStore.SaveExchange: idempotent replay", "conversationID", ex.ConversationID, "correlationToken", ex.CorrelationToken)
		return saved, nil
	}

	now := time.Now().UTC()
	userID := uuid.NewString()
	coachID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("PostgresStore.SaveExchange: begin failed", "error", err)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, correlation_token, sender, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, ex.ConversationID, ex.CorrelationToken, models.SenderUser, ex.UserText, now)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, reply_to, sender, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			coachID, ex.ConversationID, userID, models.SenderCoach, ex.CoachText, now)
	}
	if err != nil {
		tx.Rollback()
		// A unique-index violation means a concurrent save won the race;
		// resolve by returning the existing pair.
		if saved, ok, ferr := s.findExchange(ctx, ex.ConversationID, ex.CorrelationToken); ferr == nil && ok {
			slog.Debug("PostgresStore.SaveExchange: lost insert race, returning existing pair", "conversationID", ex.ConversationID)
			return saved, nil
		}
		slog.Error("PostgresStore.SaveExchange: insert failed", "error", err, "conversationID", ex.ConversationID)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore.SaveExchange: commit failed", "error", err)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	slog.Debug("PostgresStore.SaveExchange: pair stored", "conversationID", ex.ConversationID, "userMessageID", userID, "coachMessageID", coachID)
	return models.SavedExchange{
		UserMessageID:    userID,
		CoachMessageID:   coachID,
		CorrelationToken: ex.CorrelationToken,
		CreatedAt:        now,
	}, nil
}

// findExchange looks up a previously persisted pair by idempotency key.
func (s *PostgresStore) findExchange(ctx context.Context, conversationID, token string) (models.SavedExchange, bool, error) {
	var userID string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE conversation_id = $1 AND correlation_token = $2`,
		conversationID, token).Scan(&userID, &createdAt)
	if err == sql.ErrNoRows {
		return models.SavedExchange{}, false, nil
	}
	if err != nil {
		return models.SavedExchange{}, false, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	var coachID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE reply_to = $1`, userID).Scan(&coachID)
	if err != nil && err != sql.ErrNoRows {
		return models.SavedExchange{}, false, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	return models.SavedExchange{
		UserMessageID:    userID,
		CoachMessageID:   coachID,
		CorrelationToken: token,
		CreatedAt:        createdAt,
	}, true, nil
}

// ListMessages returns one ascending page of history ordered by insertion
// sequence, which is stable under pagination.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows *sql.Rows
	var err error
	if !page.Since.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, COALESCE(correlation_token, ''), sender, content, created_at
			 FROM messages WHERE conversation_id = $1 AND created_at > $2
			 ORDER BY seq ASC LIMIT $3`,
			conversationID, page.Since, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, COALESCE(correlation_token, ''), sender, content, created_at
			 FROM messages WHERE conversation_id = $1
			 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
			conversationID, limit+1, page.Offset)
	}
	if err != nil {
		slog.Error("PostgresStore.ListMessages: query failed", "error", err, "conversationID", conversationID)
		return models.HistoryPage{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.CorrelationToken, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			slog.Error("PostgresStore.ListMessages: scan failed", "error", err)
			return models.HistoryPage{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return models.HistoryPage{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	slog.Debug("PostgresStore.ListMessages: page read", "conversationID", conversationID, "count", len(messages), "hasMore", hasMore)
	return models.HistoryPage{Messages: messages, HasMore: hasMore}, nil
}

// GetThread retrieves the thread mapping for a user.
func (s *PostgresStore) GetThread(ctx context.Context, userID string) (*models.ConversationThread, error) {
	var t models.ConversationThread
	var prunedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, external_thread_id, turn_count, pruned_at, created_at, updated_at
		 FROM conversation_threads WHERE user_id = $1`, userID).
		Scan(&t.UserID, &t.ExternalThreadID, &t.TurnCount, &prunedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetThread failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if prunedAt.Valid {
		t.PrunedAt = prunedAt.Time
	}
	return &t, nil
}

// SaveThread inserts or replaces the thread mapping for a user.
func (s *PostgresStore) SaveThread(ctx context.Context, thread models.ConversationThread) error {
	var prunedAt interface{}
	if !thread.PrunedAt.IsZero() {
		prunedAt = thread.PrunedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_threads (user_id, external_thread_id, turn_count, pruned_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   external_thread_id = EXCLUDED.external_thread_id,
		   turn_count = EXCLUDED.turn_count,
		   pruned_at = EXCLUDED.pruned_at,
		   updated_at = EXCLUDED.updated_at`,
		thread.UserID, thread.ExternalThreadID, thread.TurnCount, prunedAt, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveThread failed", "error", err, "userID", thread.UserID)
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	slog.Debug("PostgresStore.SaveThread succeeded", "userID", thread.UserID, "externalThreadID", thread.ExternalThreadID, "turnCount", thread.TurnCount)
	return nil
}

// DeleteThread removes the thread mapping for a user.
func (s *PostgresStore) DeleteThread(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_threads WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore.DeleteThread failed", "error", err, "userID", userID)
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
