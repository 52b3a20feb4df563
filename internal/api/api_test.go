package api_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coachrelay/coachrelay/internal/api"
	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/models"
	"github.com/coachrelay/coachrelay/internal/orchestrator"
	"github.com/coachrelay/coachrelay/internal/router"
	"github.com/coachrelay/coachrelay/internal/store"
	"github.com/coachrelay/coachrelay/internal/testutil"
	"github.com/coachrelay/coachrelay/internal/thread"
	"github.com/coachrelay/coachrelay/internal/tone"
)

func TestChatHandlerSuccess(t *testing.T) {
	srv, deps := testutil.NewTestServer()
	deps.Provider.TurnReply = "welcome aboard, what's your goal?"

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{
		Message:          "hello coach",
		ConversationID:   "conv_1",
		CorrelationToken: "ct_1",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat success")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response missing result: %v", response)
	}
	if result["correlation_token"] != "ct_1" {
		t.Errorf("correlation_token = %v, want echo of ct_1", result["correlation_token"])
	}
	texts, ok := result["generated_texts"].([]interface{})
	if !ok || len(texts) != 1 {
		t.Fatalf("generated_texts = %v, want one entry", result["generated_texts"])
	}
	if texts[0] != "welcome aboard, what's your goal?" {
		t.Errorf("generated text = %v", texts[0])
	}
	saved, ok := result["saved_ids"].(map[string]interface{})
	if !ok || saved["user_message_id"] == "" {
		t.Errorf("saved_ids = %v, want durable ids", result["saved_ids"])
	}
}

func TestChatHandlerMethodNotAllowed(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/chat", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "chat wrong method")
}

func TestChatHandlerInvalidJSON(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "chat invalid JSON")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestChatHandlerValidation(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	cases := []struct {
		name string
		req  models.ChatRequest
	}{
		{"empty message", models.ChatRequest{ConversationID: "c", CorrelationToken: "t"}},
		{"missing conversation_id", models.ChatRequest{Message: "hi", CorrelationToken: "t"}},
		{"missing correlation_token", models.ChatRequest{Message: "hi", ConversationID: "c"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", c.req)
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)

			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, c.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
}

func TestChatHandlerIdempotentRetry(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	body := models.ChatRequest{
		Message:          "hello coach",
		ConversationID:   "conv_1",
		CorrelationToken: "ct_retry",
	}

	send := func() map[string]interface{} {
		req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", body)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat retry")
		response := testutil.AssertJSONResponse(t, rr, "ok")
		return response["result"].(map[string]interface{})
	}

	first := send()
	second := send()

	firstIDs := first["saved_ids"].(map[string]interface{})
	secondIDs := second["saved_ids"].(map[string]interface{})
	if firstIDs["user_message_id"] != secondIDs["user_message_id"] {
		t.Errorf("retry produced different ids: %v vs %v", firstIDs, secondIDs)
	}
}

func TestHistoryHandler(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	for i := 0; i < 3; i++ {
		req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{
			Message:          fmt.Sprintf("message %d", i),
			ConversationID:   "conv_1",
			CorrelationToken: fmt.Sprintf("ct_%d", i),
		})
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "seed chat")
	}

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/history?conversation_id=conv_1&limit=4", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "history read")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	result := response["result"].(map[string]interface{})
	messages, ok := result["messages"].([]interface{})
	if !ok || len(messages) != 4 {
		t.Fatalf("messages = %v, want 4 entries", result["messages"])
	}
	if result["has_more"] != true {
		t.Errorf("has_more = %v, want true", result["has_more"])
	}

	first := messages[0].(map[string]interface{})
	if first["sender"] != "user" || first["content"] != "message 0" {
		t.Errorf("first message = %v, want oldest user message", first)
	}
}

func TestHistoryHandlerMissingConversationID(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/history", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "history without conversation_id")
	testutil.AssertJSONResponse(t, rr, "error")
}

// unavailableStore fails history reads like a down database.
type unavailableStore struct {
	*store.InMemoryStore
}

func (s *unavailableStore) ListMessages(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error) {
	return models.HistoryPage{}, fmt.Errorf("%w: connection refused", models.ErrPersistenceUnavailable)
}

func TestHistoryHandlerPersistenceUnavailable(t *testing.T) {
	st := &unavailableStore{store.NewInMemoryStore()}
	provider := genai.NewMockProvider()
	patterns := cache.NewLibrary(cache.WithSeed(1))
	replies := cache.NewReplyCache(time.Hour)
	rt := router.New(patterns)
	threads := thread.NewManager(st, provider)
	orch := orchestrator.New(patterns, replies, rt, threads, provider, st, tone.NewTracker(),
		orchestrator.WithRetryBackoff(time.Millisecond))
	srv := api.NewServer(orch)

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/history?conversation_id=conv_1", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "history with store down")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestHistoryHandlerInvalidParams(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	for _, url := range []string{
		"/history?conversation_id=c&limit=abc",
		"/history?conversation_id=c&offset=-1",
		"/history?conversation_id=c&since=not-a-time",
	} {
		req := testutil.CreateHTTPRequest(t, http.MethodGet, url, nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, url)
	}
}

func TestHealthHandler(t *testing.T) {
	srv, _ := testutil.NewTestServer()

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health check")
	testutil.AssertJSONResponse(t, rr, "ok")
}
