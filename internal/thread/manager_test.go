package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/store"
)

func TestRunTurnCreatesThreadLazily(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	mgr := NewManager(st, provider)
	ctx := context.Background()

	reply, err := mgr.RunTurn(ctx, "user1", "conv_1", "I want to set a goal", "")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if reply != "mock coach reply" {
		t.Errorf("reply = %q, want mock reply", reply)
	}

	thread, err := st.GetThread(ctx, "user1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if thread == nil {
		t.Fatal("expected thread mapping after first turn")
	}
	if thread.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", thread.TurnCount)
	}
	if !provider.HasThread(thread.ExternalThreadID) {
		t.Error("provider does not hold the mapped thread")
	}
}

func TestRunTurnReusesExistingThread(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	mgr := NewManager(st, provider)
	ctx := context.Background()

	if _, err := mgr.RunTurn(ctx, "user1", "conv_1", "first", ""); err != nil {
		t.Fatalf("first RunTurn failed: %v", err)
	}
	first, _ := st.GetThread(ctx, "user1")

	if _, err := mgr.RunTurn(ctx, "user1", "conv_1", "second", ""); err != nil {
		t.Fatalf("second RunTurn failed: %v", err)
	}
	second, _ := st.GetThread(ctx, "user1")

	if first.ExternalThreadID != second.ExternalThreadID {
		t.Errorf("thread changed between turns: %q vs %q", first.ExternalThreadID, second.ExternalThreadID)
	}
	if second.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", second.TurnCount)
	}
}

func TestRunTurnPrunesAtCap(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	provider.CompleteReply = "condensed history"
	mgr := NewManager(st, provider, WithMaxTurns(3), WithRetainTail(2))
	ctx := context.Background()

	// Seed some history so the prune has a transcript to summarize.
	for i := 0; i < 3; i++ {
		if _, err := st.SaveExchange(ctx, models.Exchange{
			ConversationID:   "conv_1",
			CorrelationToken: fmt.Sprintf("ct_%d", i),
			UserText:         fmt.Sprintf("q%d", i),
			CoachText:        fmt.Sprintf("a%d", i),
		}); err != nil {
			t.Fatalf("SaveExchange failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := mgr.RunTurn(ctx, "user1", "conv_1", fmt.Sprintf("turn %d", i), ""); err != nil {
			t.Fatalf("RunTurn %d failed: %v", i, err)
		}
	}
	before, _ := st.GetThread(ctx, "user1")
	if before.TurnCount != 3 {
		t.Fatalf("TurnCount = %d before prune, want 3", before.TurnCount)
	}

	// The fourth turn crosses the cap and must run on a fresh thread.
	if _, err := mgr.RunTurn(ctx, "user1", "conv_1", "turn over cap", ""); err != nil {
		t.Fatalf("RunTurn over cap failed: %v", err)
	}

	after, _ := st.GetThread(ctx, "user1")
	if after.ExternalThreadID == before.ExternalThreadID {
		t.Error("expected a replacement thread after prune")
	}
	// Two retained exchanges plus the turn that crossed the cap.
	if after.TurnCount != 3 {
		t.Errorf("TurnCount = %d after prune, want 3", after.TurnCount)
	}
	if after.PrunedAt.IsZero() {
		t.Error("expected PrunedAt to be set after prune")
	}
	if provider.HasThread(before.ExternalThreadID) {
		t.Error("old thread should be deleted from provider")
	}
	seed := provider.ThreadSeed(after.ExternalThreadID)
	if !strings.Contains(seed, "condensed history") {
		t.Errorf("replacement thread seed = %q, want summary of discarded turns", seed)
	}
	if !strings.Contains(seed, "q1") || !strings.Contains(seed, "a2") {
		t.Errorf("replacement thread seed = %q, want retained tail verbatim", seed)
	}

	calls := provider.CompleteCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 summary call, got %d", len(calls))
	}
	if !strings.Contains(calls[0].User, "q0") || !strings.Contains(calls[0].User, "a0") {
		t.Errorf("summary transcript missing discarded turns: %q", calls[0].User)
	}
	if strings.Contains(calls[0].User, "q2") {
		t.Errorf("summary transcript includes retained tail: %q", calls[0].User)
	}
}

func TestRunTurnRebuildsThreadLostByProvider(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	provider.CompleteReply = "carried-over summary"
	mgr := NewManager(st, provider, WithRetainTail(2))
	ctx := context.Background()

	// A mapping that survived a restart: the store knows the thread, the
	// provider no longer does.
	now := time.Now().UTC()
	if err := st.SaveThread(ctx, models.ConversationThread{
		UserID:           "user1",
		ExternalThreadID: "th_from_before_restart",
		TurnCount:        5,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.SaveExchange(ctx, models.Exchange{
			ConversationID:   "conv_1",
			CorrelationToken: fmt.Sprintf("ct_%d", i),
			UserText:         fmt.Sprintf("q%d", i),
			CoachText:        fmt.Sprintf("a%d", i),
		}); err != nil {
			t.Fatalf("SaveExchange failed: %v", err)
		}
	}

	reply, err := mgr.RunTurn(ctx, "user1", "conv_1", "are you still there", "")
	if err != nil {
		t.Fatalf("RunTurn should rebuild the lost thread, got %v", err)
	}
	if reply != "mock coach reply" {
		t.Errorf("reply = %q, want mock reply from rebuilt thread", reply)
	}

	thread, _ := st.GetThread(ctx, "user1")
	if thread.ExternalThreadID == "th_from_before_restart" {
		t.Error("mapping still points at the lost thread")
	}
	if !provider.HasThread(thread.ExternalThreadID) {
		t.Error("provider does not hold the rebuilt thread")
	}
	// Two retained exchanges plus the turn just served.
	if thread.TurnCount != 3 {
		t.Errorf("TurnCount = %d after rebuild, want 3", thread.TurnCount)
	}
	seed := provider.ThreadSeed(thread.ExternalThreadID)
	if !strings.Contains(seed, "carried-over summary") || !strings.Contains(seed, "q2") {
		t.Errorf("rebuilt seed = %q, want summary plus recent exchanges", seed)
	}
}

func TestRunTurnDoesNotRebuildOnOtherRejections(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	mgr := NewManager(st, provider)
	ctx := context.Background()

	if _, err := mgr.RunTurn(ctx, "user1", "conv_1", "first", ""); err != nil {
		t.Fatalf("first RunTurn failed: %v", err)
	}
	before, _ := st.GetThread(ctx, "user1")

	provider.TurnErr = models.ErrProviderRejected
	_, err := mgr.RunTurn(ctx, "user1", "conv_1", "second", "")
	if !errors.Is(err, models.ErrProviderRejected) {
		t.Fatalf("error = %v, want ErrProviderRejected", err)
	}

	after, _ := st.GetThread(ctx, "user1")
	if after.ExternalThreadID != before.ExternalThreadID {
		t.Error("a rejection on a live thread must not replace it")
	}
}

func TestRunTurnRefusesTurnWhenPruneFails(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	mgr := NewManager(st, provider, WithMaxTurns(1))
	ctx := context.Background()

	if _, err := mgr.RunTurn(ctx, "user1", "conv_1", "first", ""); err != nil {
		t.Fatalf("first RunTurn failed: %v", err)
	}
	before, _ := st.GetThread(ctx, "user1")

	provider.CreateErr = models.ErrProviderUnavailable
	_, err := mgr.RunTurn(ctx, "user1", "conv_1", "second", "")
	if err == nil {
		t.Fatal("expected error when prune cannot create replacement thread")
	}
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ErrProviderUnavailable", err)
	}

	after, _ := st.GetThread(ctx, "user1")
	if after.ExternalThreadID != before.ExternalThreadID {
		t.Error("failed prune must leave the old mapping intact")
	}
	if after.TurnCount != before.TurnCount {
		t.Errorf("TurnCount changed on refused turn: %d vs %d", after.TurnCount, before.TurnCount)
	}
}

func TestRunTurnSerializesPerUser(t *testing.T) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	mgr := NewManager(st, provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := mgr.RunTurn(ctx, "user1", "conv_1", fmt.Sprintf("turn %d", i), ""); err != nil {
				t.Errorf("concurrent RunTurn failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	thread, _ := st.GetThread(ctx, "user1")
	if thread.TurnCount != 10 {
		t.Errorf("TurnCount = %d after 10 concurrent turns, want 10", thread.TurnCount)
	}
	if len(provider.TurnCalls()) != 10 {
		t.Errorf("provider saw %d turns, want 10", len(provider.TurnCalls()))
	}
}

func TestStateForUnknownUser(t *testing.T) {
	mgr := NewManager(store.NewInMemoryStore(), genai.NewMockProvider())

	state, err := mgr.State(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.TurnCount != 0 || !state.LastActiveAt.IsZero() {
		t.Errorf("expected zero state for unknown user, got %+v", state)
	}
}

func TestStateReflectsThread(t *testing.T) {
	st := store.NewInMemoryStore()
	mgr := NewManager(st, genai.NewMockProvider())
	ctx := context.Background()

	now := time.Now().UTC()
	if err := st.SaveThread(ctx, models.ConversationThread{
		UserID:           "user1",
		ExternalThreadID: "th_x",
		TurnCount:        5,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}

	state, err := mgr.State(ctx, "user1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.TurnCount != 5 {
		t.Errorf("TurnCount = %d, want 5", state.TurnCount)
	}
	if !state.LastActiveAt.Equal(now) {
		t.Errorf("LastActiveAt = %v, want %v", state.LastActiveAt, now)
	}
}
