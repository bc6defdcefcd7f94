// Package server exposes the engine over HTTP.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine *service.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a server for engine.
func New(engine *service.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler with logging applied.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("POST /v1/prefetch", s.withUser(s.handlePrefetch))
	s.mux.HandleFunc("GET /v1/jobs", s.withUser(s.handleListJobs))
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.withUser(s.handleGetJob))
	s.mux.HandleFunc("GET /v1/jobs/{id}/watch", s.withUser(s.handleWatchJob))
	s.mux.HandleFunc("POST /v1/conversations", s.withUser(s.handleCreateConversation))
	s.mux.HandleFunc("GET /v1/conversations", s.withUser(s.handleListConversations))
	s.mux.HandleFunc("GET /v1/conversations/{id}", s.withUser(s.handleGetConversation))
	s.mux.HandleFunc("POST /v1/conversations/{id}/turns", s.withUser(s.handleAppendTurn))
	s.mux.HandleFunc("POST /v1/conversations/{id}/context", s.withUser(s.handleContext))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser rejects requests without a user id.
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: UserHeader + " header is required", Code: "unauthenticated"})
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.Error("request error", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request, userID string) {
	var req PrefetchRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			s.fail(w, r, err)
			return
		}
	}

	if req.Async {
		job := s.engine.StartPrefetchJob(userID, req.MaxItems)
		w.Header().Set("Location", "/v1/jobs/"+job.ID)
		writeJSON(w, http.StatusAccepted, job.Snapshot())
		return
	}

	res, err := s.engine.Prefetch(r.Context(), userID, req.MaxItems)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request, userID string) {
	out := []service.JobInfo{}
	for _, j := range s.engine.Jobs().List() {
		if info := j.Snapshot(); info.UserID == userID {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// job returns the caller's job or writes a 404.
func (s *Server) job(w http.ResponseWriter, r *http.Request, userID string) (*service.Job, bool) {
	job := s.engine.Jobs().Get(r.PathValue("id"))
	if job == nil || job.Snapshot().UserID != userID {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "job not found", Code: "job_not_found"})
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, userID string) {
	if job, ok := s.job(w, r, userID); ok {
		writeJSON(w, http.StatusOK, job.Snapshot())
	}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	id, err := s.engine.NewConversation(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/conversations/"+id)
	writeJSON(w, http.StatusCreated, ConversationCreated{ID: id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", service.ErrInvalidInput))
			return
		}
		limit = n
	}
	ids, err := s.engine.ListConversations(r.Context(), userID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationList{IDs: ids})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, userID string) {
	state, err := s.engine.Conversation(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request, userID string) {
	var req TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engine.AppendTurn(r.Context(), userID, r.PathValue("id"), req.Role, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request, userID string) {
	var req ContextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ac, err := s.engine.Context(r.Context(), userID, r.PathValue("id"), req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}
