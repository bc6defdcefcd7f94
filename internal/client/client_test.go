package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/server"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("STUDYCTX_USER_ID", "env-user")

	var gotUser string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(server.UserHeader)
		writeJSON(w, http.StatusCreated, server.ConversationCreated{ID: "c1"})
	}))
	defer ts.Close()

	t.Setenv("STUDYCTX_SERVER_URL", ts.URL+"/")
	c := client.New("", "")
	id, err := c.NewConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, "env-user", gotUser)
}

func TestRequestsAndDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		var req server.TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", r.PathValue("id"))
		writeJSON(w, http.StatusOK, service.TurnResult{
			Turn:      models.Turn{Seq: 1, Role: req.Role, Content: req.Content},
			Persisted: true,
		})
	})
	mux.HandleFunc("POST /v1/conversations/{id}/context", func(w http.ResponseWriter, r *http.Request) {
		var req server.ContextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, models.AssembledContext{CurrentMessage: req.Message, Budget: 100, TotalTokenEstimate: 10})
	})
	mux.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, server.ConversationList{IDs: []string{"c2", "c1"}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := client.New(ts.URL, "u1")
	ctx := context.Background()

	res, err := c.AppendTurn(ctx, "c1", models.RoleUser, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Turn.Content)
	assert.True(t, res.Persisted)

	ac, err := c.Context(ctx, "c1", "what is due?")
	require.NoError(t, err)
	assert.Equal(t, "what is due?", ac.CurrentMessage)

	ids, err := c.ListConversations(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c1"}, ids)
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, server.ErrorResponse{Error: "too big", Code: "budget_exceeded"})
	}))
	defer ts.Close()

	_, err := client.New(ts.URL, "u1").Context(context.Background(), "c1", "hi")
	require.Error(t, err)
	assert.True(t, client.IsCode(err, "budget_exceeded"))

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "too big", apiErr.Message)
}

func TestAPIErrorPlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := client.New(ts.URL, "u1").Stats(context.Background())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "gateway down", apiErr.Message)
	assert.Empty(t, apiErr.Code)
}

func TestWatchJob(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/j1/watch", r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get(server.UserHeader))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, status := range []service.JobStatus{service.JobStatusPending, service.JobStatusRunning, service.JobStatusCompleted} {
			_ = conn.WriteJSON(service.JobInfo{ID: "j1", Status: status, Progress: i, Total: 2})
		}
	}))
	defer ts.Close()

	var updates int32
	final, err := client.New(ts.URL, "u1").WatchJob(context.Background(), "j1", func(info service.JobInfo) error {
		atomic.AddInt32(&updates, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, service.JobStatusCompleted, final.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&updates))
}

func TestWatchJobCanceled(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(service.JobInfo{ID: "j1", Status: service.JobStatusRunning})
		// Never finish.
		_, _, _ = conn.ReadMessage()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.New(ts.URL, "u1").WatchJob(ctx, "j1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
