// Package testutil provides common test utilities and helpers for CoachRelay tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coachrelay/coachrelay/internal/api"
	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/genai"
	"github.com/coachrelay/coachrelay/internal/orchestrator"
	"github.com/coachrelay/coachrelay/internal/router"
	"github.com/coachrelay/coachrelay/internal/store"
	"github.com/coachrelay/coachrelay/internal/thread"
	"github.com/coachrelay/coachrelay/internal/tone"
)

// TestDeps bundles the in-memory collaborators behind a test server so tests
// can reach in and inspect or script them.
type TestDeps struct {
	Store    *store.InMemoryStore
	Provider *genai.MockProvider
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() (*api.Server, *TestDeps) {
	st := store.NewInMemoryStore()
	provider := genai.NewMockProvider()
	patterns := cache.NewLibrary(cache.WithSeed(1))
	replies := cache.NewReplyCache(time.Hour)
	rt := router.New(patterns)
	threads := thread.NewManager(st, provider)
	orch := orchestrator.New(patterns, replies, rt, threads, provider, st, tone.NewTracker(),
		orchestrator.WithRetryBackoff(time.Millisecond))

	return api.NewServer(orch), &TestDeps{Store: st, Provider: provider}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
