// Package thread manages the per-user stateful conversation threads held at
// the AI provider, including the pruning cycle that keeps them bounded.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/store"
)

// Default pruning configuration
const (
	// DefaultMaxTurns is the turn count at which a thread is pruned.
	DefaultMaxTurns = 30
	// DefaultRetainTail is how many recent exchanges survive a prune, carried
	// verbatim into the replacement thread's seed.
	DefaultRetainTail = 10
)

// summaryPrompt instructs the model to condense the turns a prune discards.
const summaryPrompt = "Condense this coaching conversation into a short briefing for the coach: " +
	"the member's goals, recurring struggles, commitments made, and current emotional tone. " +
	"Keep it under 150 words. Do not address the member."

// Opts holds manager configuration.
type Opts struct {
	MaxTurns     int
	RetainTail   int
	SummaryModel string
}

// Option configures the thread manager.
type Option func(*Opts)

// WithMaxTurns sets the turn count that triggers pruning.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.MaxTurns = n }
}

// WithRetainTail sets how many recent exchanges the prune summary covers.
func WithRetainTail(n int) Option {
	return func(o *Opts) { o.RetainTail = n }
}

// WithSummaryModel sets the model used for prune summaries.
func WithSummaryModel(model string) Option {
	return func(o *Opts) { o.SummaryModel = model }
}

// Manager owns the mapping from users to provider threads. All thread
// mutation for one user happens under that user's lock, so concurrent turns
// from the same user serialize and never race a prune.
type Manager struct {
	store    store.Store
	provider genai.Provider

	maxTurns     int
	retainTail   int
	summaryModel string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a thread manager over the given store and provider.
func NewManager(st store.Store, provider genai.Provider, opts ...Option) *Manager {
	cfg := Opts{
		MaxTurns:     DefaultMaxTurns,
		RetainTail:   DefaultRetainTail,
		SummaryModel: genai.DefaultCheapModel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("thread.NewManager: manager initialized", "maxTurns", cfg.MaxTurns, "retainTail", cfg.RetainTail)
	return &Manager{
		store:        st,
		provider:     provider,
		maxTurns:     cfg.MaxTurns,
		retainTail:   cfg.RetainTail,
		summaryModel: cfg.SummaryModel,
		locks:        make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all thread work for one user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

// State returns the routing-relevant view of a user's thread: the turn count
// and last activity. A user with no thread yet gets a zero state.
func (m *Manager) State(ctx context.Context, userID string) (models.UserState, error) {
	thread, err := m.store.GetThread(ctx, userID)
	if err != nil {
		return models.UserState{}, err
	}
	if thread == nil {
		return models.UserState{}, nil
	}
	return models.UserState{
		TurnCount:    thread.TurnCount,
		LastActiveAt: thread.UpdatedAt,
	}, nil
}

// RunTurn executes one stateful coaching turn for the user: it lazily creates
// the thread on first use, prunes it when the turn count reaches the cap, and
// then runs the turn and bumps the persisted count.
func (m *Manager) RunTurn(ctx context.Context, userID, conversationID, message, model string) (string, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := m.store.GetThread(ctx, userID)
	if err != nil {
		return "", err
	}

	if thread == nil {
		thread, err = m.createThread(ctx, userID, "")
		if err != nil {
			return "", err
		}
	} else if thread.TurnCount >= m.maxTurns {
		thread, err = m.prune(ctx, *thread, conversationID)
		if err != nil {
			// Pruning failures must not grow the thread past its cap, so the
			// turn is refused rather than run on the overgrown thread.
			slog.Error("thread.RunTurn: prune failed, refusing turn", "error", err, "userID", userID)
			return "", err
		}
	}

	reply, err := m.provider.RunTurn(ctx, thread.ExternalThreadID, message, model)
	if errors.Is(err, genai.ErrThreadNotFound) {
		// The durable mapping outlived the provider's thread state (a restart
		// wipes it). Rebuild from the stored transcript and run the turn on
		// the replacement instead of rejecting this user forever.
		slog.Warn("thread.RunTurn: provider lost thread, rebuilding", "userID", userID, "externalThreadID", thread.ExternalThreadID)
		thread, err = m.rebuild(ctx, *thread, conversationID)
		if err != nil {
			return "", err
		}
		reply, err = m.provider.RunTurn(ctx, thread.ExternalThreadID, message, model)
	}
	if err != nil {
		return "", err
	}

	thread.TurnCount++
	thread.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveThread(ctx, *thread); err != nil {
		// The reply was generated; a count-bump failure is logged but does not
		// discard it. The next prune check reads the stale count and fires at
		// most one turn late.
		slog.Error("thread.RunTurn: failed to persist turn count", "error", err, "userID", userID)
	}

	slog.Debug("thread.RunTurn: turn completed", "userID", userID, "turnCount", thread.TurnCount)
	return reply, nil
}

// createThread creates a provider thread and persists the mapping.
func (m *Manager) createThread(ctx context.Context, userID, seed string) (*models.ConversationThread, error) {
	externalID, err := m.provider.CreateThread(ctx, seed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	thread := models.ConversationThread{
		UserID:           userID,
		ExternalThreadID: externalID,
		TurnCount:        0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.SaveThread(ctx, thread); err != nil {
		// Orphaned provider threads are cheap; the mapping is what matters.
		m.provider.DeleteThread(ctx, externalID)
		return nil, err
	}
	slog.Debug("thread.createThread: thread created", "userID", userID, "externalThreadID", externalID, "seeded", seed != "")
	return &thread, nil
}

// prune replaces an overgrown thread and deletes the old one from the
// provider. The old thread is deleted only after the replacement mapping is
// durably saved, so a failure at any step leaves the old mapping intact.
func (m *Manager) prune(ctx context.Context, old models.ConversationThread, conversationID string) (*models.ConversationThread, error) {
	slog.Info("thread.prune: pruning thread", "userID", old.UserID, "turnCount", old.TurnCount)

	replacement, err := m.replaceThread(ctx, old, conversationID)
	if err != nil {
		return nil, err
	}

	if err := m.provider.DeleteThread(ctx, old.ExternalThreadID); err != nil {
		slog.Warn("thread.prune: failed to delete old thread", "error", err, "externalThreadID", old.ExternalThreadID)
	}

	slog.Info("thread.prune: thread replaced", "userID", old.UserID, "externalThreadID", replacement.ExternalThreadID)
	return replacement, nil
}

// rebuild recreates a thread the provider lost. There is nothing to delete on
// the provider side, so this is a replaceThread with a different failure
// meaning: on error the old mapping stays and the turn is refused.
func (m *Manager) rebuild(ctx context.Context, old models.ConversationThread, conversationID string) (*models.ConversationThread, error) {
	replacement, err := m.replaceThread(ctx, old, conversationID)
	if err != nil {
		return nil, fmt.Errorf("rebuilding lost thread: %w", err)
	}
	slog.Info("thread.rebuild: thread rebuilt", "userID", old.UserID, "externalThreadID", replacement.ExternalThreadID)
	return replacement, nil
}

// replaceThread creates a successor thread seeded with a condensed summary of
// the discarded turns plus the retained tail verbatim, then durably saves the
// new mapping. The replacement's turn count reflects only the retained tail.
func (m *Manager) replaceThread(ctx context.Context, old models.ConversationThread, conversationID string) (*models.ConversationThread, error) {
	head, tail, retained, err := m.transcriptWindows(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	seed := ""
	if head != "" {
		seed, err = m.provider.Complete(ctx, genai.CompletionRequest{
			System: summaryPrompt,
			User:   head,
			Model:  m.summaryModel,
		})
		if err != nil {
			return nil, fmt.Errorf("summarizing discarded turns: %w", err)
		}
	}
	if tail != "" {
		if seed != "" {
			seed += "\n\nRecent exchanges:\n" + tail
		} else {
			seed = "Recent exchanges:\n" + tail
		}
	}

	externalID, err := m.provider.CreateThread(ctx, seed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	replacement := models.ConversationThread{
		UserID:           old.UserID,
		ExternalThreadID: externalID,
		TurnCount:        retained,
		PrunedAt:         now,
		CreatedAt:        old.CreatedAt,
		UpdatedAt:        now,
	}
	if err := m.store.SaveThread(ctx, replacement); err != nil {
		m.provider.DeleteThread(ctx, externalID)
		return nil, err
	}
	return &replacement, nil
}

// transcriptWindows renders the conversation as two plain-text windows: the
// head a replacement thread only sees summarized, and the retained tail it
// carries verbatim. retained counts the member turns in the tail.
func (m *Manager) transcriptWindows(ctx context.Context, conversationID string) (head, tail string, retained int, err error) {
	var all []models.Message
	offset := 0
	for {
		page, err := m.store.ListMessages(ctx, conversationID, models.Page{Limit: 200, Offset: offset})
		if err != nil {
			return "", "", 0, err
		}
		all = append(all, page.Messages...)
		if !page.HasMore {
			break
		}
		offset += len(page.Messages)
	}

	// One exchange is two rows, so the tail covers retainTail*2 messages.
	window := m.retainTail * 2
	split := 0
	if len(all) > window {
		split = len(all) - window
	}
	for _, msg := range all[split:] {
		if msg.Sender == models.SenderUser {
			retained++
		}
	}
	return renderTranscript(all[:split]), renderTranscript(all[split:]), retained, nil
}

func renderTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Sender {
		case models.SenderUser:
			b.WriteString("Member: ")
		case models.SenderCoach:
			b.WriteString("Coach: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
