// Package api provides HTTP handlers for CoachRelay endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coachrelay/coachrelay/internal/models"
)

// validationErrors maps to 400; anything else from the pipeline is a server
// fault.
var validationErrors = []error{
	models.ErrEmptyMessage,
	models.ErrMessageTooLong,
	models.ErrMissingConversationID,
	models.ErrMissingCorrelationToken,
	models.ErrCorrelationTokenTooLong,
}

func isValidationError(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.chatHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.orch.HandleMessage(r.Context(), req)
	if err != nil {
		switch {
		case isValidationError(err):
			slog.Warn("Server.chatHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		case errors.Is(err, models.ErrPersistenceUnavailable):
			slog.Error("Server.chatHandler: persistence unavailable", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to save exchange"))
		default:
			slog.Error("Server.chatHandler: pipeline failure", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}

	slog.Info("Server.chatHandler: message processed",
		"conversationID", req.ConversationID,
		"strategy", result.StrategyUsed,
		"fallback", result.FallbackUsed)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.historyHandler: processing history request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.historyHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	conversationID := q.Get("conversation_id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: conversation_id"))
		return
	}

	var page models.Page
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid offset parameter"))
			return
		}
		page.Offset = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid since parameter, expected RFC3339"))
			return
		}
		page.Since = ts
	}

	history, err := s.orch.History(r.Context(), conversationID, page)
	if err != nil {
		if errors.Is(err, models.ErrPersistenceUnavailable) {
			slog.Error("Server.historyHandler: persistence unavailable", "error", err, "conversationID", conversationID)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to read history"))
			return
		}
		slog.Error("Server.historyHandler: failed to read history", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read history"))
		return
	}

	slog.Debug("Server.historyHandler: history read", "conversationID", conversationID, "count", len(history.Messages), "hasMore", history.HasMore)
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("CoachRelay API is healthy", nil))
}
