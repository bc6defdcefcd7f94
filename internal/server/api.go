package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/assembler"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/credentials"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/lms"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

// UserHeader carries the authenticated user id, set by the gateway in front of this service.
const UserHeader = "X-User-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// PrefetchRequest is the body of POST /v1/prefetch.
type PrefetchRequest struct {
	MaxItems int `json:"max_items,omitempty"`
	// Async starts a job and returns 202 with the job instead of waiting.
	Async bool `json:"async,omitempty"`
}

// ConversationCreated is the response of POST /v1/conversations.
type ConversationCreated struct {
	ID string `json:"id"`
}

// ConversationList is the response of GET /v1/conversations.
type ConversationList struct {
	IDs []string `json:"ids"`
}

// TurnRequest is the body of POST /v1/conversations/{id}/turns.
type TurnRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// ContextRequest is the body of POST /v1/conversations/{id}/context.
type ContextRequest struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps engine errors onto HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, assembler.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, "budget_exceeded"
	case errors.Is(err, service.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, credentials.ErrNotFound):
		return http.StatusPreconditionFailed, "lms_not_connected"
	case errors.Is(err, lms.ErrFetch):
		return http.StatusBadGateway, "lms_fetch_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", service.ErrInvalidInput, err)
	}
	return nil
}
