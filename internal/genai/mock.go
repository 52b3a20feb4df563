package genai

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachrelay/coachrelay/internal/models"
)

// MockProvider is a deterministic Provider double for tests. It records every
// call and returns scripted replies without touching the network.
type MockProvider struct {
	mu sync.Mutex

	// CompleteReply is returned from Complete when CompleteErr is nil.
	CompleteReply string
	CompleteErr   error

	// TurnReply is returned from RunTurn when TurnErr is nil.
	TurnReply string
	TurnErr   error

	// CreateErr, when set, makes CreateThread fail.
	CreateErr error

	completeCalls []CompletionRequest
	turnCalls     []string
	threadSeq     int
	threads       map[string]bool
	threadSeeds   map[string]string
	deleted       []string
}

// Compile-time check that MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider with sensible default replies.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CompleteReply: "mock completion",
		TurnReply:     "mock coach reply",
		threads:       make(map[string]bool),
		threadSeeds:   make(map[string]string),
	}
}

func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls = append(m.completeCalls, req)
	if m.CompleteErr != nil {
		return "", m.CompleteErr
	}
	return m.CompleteReply, nil
}

func (m *MockProvider) CreateThread(ctx context.Context, seed string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.threadSeq++
	id := fmt.Sprintf("th_mock_%d", m.threadSeq)
	m.threads[id] = true
	m.threadSeeds[id] = seed
	return id, nil
}

func (m *MockProvider) RunTurn(ctx context.Context, threadID, message, model string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.threads[threadID] {
		return "", fmt.Errorf("%w: %w: %s", models.ErrProviderRejected, ErrThreadNotFound, threadID)
	}
	m.turnCalls = append(m.turnCalls, message)
	if m.TurnErr != nil {
		return "", m.TurnErr
	}
	return m.TurnReply, nil
}

func (m *MockProvider) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	m.deleted = append(m.deleted, threadID)
	return nil
}

// CompleteCalls returns a copy of recorded single-turn requests.
func (m *MockProvider) CompleteCalls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.completeCalls...)
}

// TurnCalls returns a copy of recorded stateful-turn messages.
func (m *MockProvider) TurnCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.turnCalls...)
}

// DeletedThreads returns thread IDs discarded via DeleteThread.
func (m *MockProvider) DeletedThreads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// ThreadSeed reports the seed a thread was created with.
func (m *MockProvider) ThreadSeed(threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadSeeds[threadID]
}

// HasThread reports whether a thread currently exists.
func (m *MockProvider) HasThread(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[threadID]
}
