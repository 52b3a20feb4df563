// Package store provides storage backends for CoachRelay.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coachrelay/coachrelay/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; the
// parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveExchange persists the user/coach pair in one transaction, idempotent on
// (conversation_id, correlation_token).
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex models.Exchange) (models.SavedExchange, error) {
	if saved, ok, err := s.findExchange(ctx, ex.ConversationID, ex.CorrelationToken); err != nil {
		return models.SavedExchange{}, err
	} else if ok {
		slog.Debug("SQLiteStore.SaveExchange: idempotent replay", "conversationID", ex.ConversationID, "correlationToken", ex.CorrelationToken)
		return saved, nil
	}

	now := time.Now().UTC()
	userID := uuid.NewString()
	coachID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore.SaveExchange: begin failed", "error", err)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, correlation_token, sender, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, ex.ConversationID, ex.CorrelationToken, models.SenderUser, ex.UserText, now)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, reply_to, sender, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			coachID, ex.ConversationID, userID, models.SenderCoach, ex.CoachText, now)
	}
	if err != nil {
		tx.Rollback()
		// A unique-index violation means a concurrent save won the race;
		// resolve by returning the existing pair.
		if saved, ok, ferr := s.findExchange(ctx, ex.ConversationID, ex.CorrelationToken); ferr == nil && ok {
			slog.Debug("SQLiteStore.SaveExchange: lost insert race, returning existing pair", "conversationID", ex.ConversationID)
			return saved, nil
		}
		slog.Error("SQLiteStore.SaveExchange: insert failed", "error", err, "conversationID", ex.ConversationID)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore.SaveExchange: commit failed", "error", err)
		return models.SavedExchange{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	slog.Debug("SQLiteStore.SaveExchange: pair stored", "conversationID", ex.ConversationID, "userMessageID", userID, "coachMessageID", coachID)
	return models.SavedExchange{
		UserMessageID:    userID,
		CoachMessageID:   coachID,
		CorrelationToken: ex.CorrelationToken,
		CreatedAt:        now,
	}, nil
}

// findExchange looks up a previously persisted pair by idempotency key.
func (s *SQLiteStore) findExchange(ctx context.Context, conversationID, token string) (models.SavedExchange, bool, error) {
	var userID string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE conversation_id = ? AND correlation_token = ?`,
		conversationID, token).Scan(&userID, &createdAt)
	if err == sql.ErrNoRows {
		return models.SavedExchange{}, false, nil
	}
	if err != nil {
		return models.SavedExchange{}, false, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}

	var coachID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE reply_to = ?`, userID).Scan(&coachID)
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
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows *sql.Rows
	var err error
	if !page.Since.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, COALESCE(correlation_token, ''), sender, content, created_at
			 FROM messages WHERE conversation_id = ? AND created_at > ?
			 ORDER BY seq ASC LIMIT ?`,
			conversationID, page.Since, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, COALESCE(correlation_token, ''), sender, content, created_at
			 FROM messages WHERE conversation_id = ?
			 ORDER BY seq ASC LIMIT ? OFFSET ?`,
			conversationID, limit+1, page.Offset)
	}
	if err != nil {
		slog.Error("SQLiteStore.ListMessages: query failed", "error", err, "conversationID", conversationID)
		return models.HistoryPage{}, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.CorrelationToken, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			slog.Error("SQLiteStore.ListMessages: scan failed", "error", err)
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
	slog.Debug("SQLiteStore.ListMessages: page read", "conversationID", conversationID, "count", len(messages), "hasMore", hasMore)
	return models.HistoryPage{Messages: messages, HasMore: hasMore}, nil
}

// GetThread retrieves the thread mapping for a user.
func (s *SQLiteStore) GetThread(ctx context.Context, userID string) (*models.ConversationThread, error) {
	var t models.ConversationThread
	var prunedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, external_thread_id, turn_count, pruned_at, created_at, updated_at
		 FROM conversation_threads WHERE user_id = ?`, userID).
		Scan(&t.UserID, &t.ExternalThreadID, &t.TurnCount, &prunedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetThread failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	if prunedAt.Valid {
		t.PrunedAt = prunedAt.Time
	}
	return &t, nil
}

// SaveThread inserts or replaces the thread mapping for a user.
func (s *SQLiteStore) SaveThread(ctx context.Context, thread models.ConversationThread) error {
	var prunedAt interface{}
	if !thread.PrunedAt.IsZero() {
		prunedAt = thread.PrunedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_threads (user_id, external_thread_id, turn_count, pruned_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.UserID, thread.ExternalThreadID, thread.TurnCount, prunedAt, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveThread failed", "error", err, "userID", thread.UserID)
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	slog.Debug("SQLiteStore.SaveThread succeeded", "userID", thread.UserID, "externalThreadID", thread.ExternalThreadID, "turnCount", thread.TurnCount)
	return nil
}

// DeleteThread removes the thread mapping for a user.
func (s *SQLiteStore) DeleteThread(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_threads WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteThread failed", "error", err, "userID", userID)
		return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
