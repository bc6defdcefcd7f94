// Package client provides an HTTP client for the studyctx server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/graph"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/server"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

// DefaultEndpoint is used when neither the caller nor STUDYCTX_SERVER_URL sets one.
const DefaultEndpoint = "http://localhost:8484"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to the studyctx server on behalf of one user.
type Client struct {
	endpoint   string
	userID     string
	httpClient *http.Client
}

// New creates a client. An empty endpoint falls back to STUDYCTX_SERVER_URL,
// then DefaultEndpoint. An empty userID falls back to STUDYCTX_USER_ID.
// The timeout comes from STUDYCTX_CLIENT_TIMEOUT (default 5m, prefetches can be slow).
func New(endpoint, userID string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("STUDYCTX_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if userID == "" {
		userID = os.Getenv("STUDYCTX_USER_ID")
	}

	timeout := 5 * time.Minute
	if t := os.Getenv("STUDYCTX_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends a JSON request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		req.Header.Set(server.UserHeader, c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e server.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Prefetch refreshes the user's graph and waits for it.
func (c *Client) Prefetch(ctx context.Context, maxItems int) (*graph.PrefetchResult, error) {
	var res graph.PrefetchResult
	if err := c.do(ctx, http.MethodPost, "/v1/prefetch", server.PrefetchRequest{MaxItems: maxItems}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartPrefetch starts a background prefetch and returns its job.
func (c *Client) StartPrefetch(ctx context.Context, maxItems int) (*service.JobInfo, error) {
	var job service.JobInfo
	if err := c.do(ctx, http.MethodPost, "/v1/prefetch", server.PrefetchRequest{MaxItems: maxItems, Async: true}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob returns a job's current state.
func (c *Client) GetJob(ctx context.Context, id string) (*service.JobInfo, error) {
	var job service.JobInfo
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the user's known jobs.
func (c *Client) ListJobs(ctx context.Context) ([]service.JobInfo, error) {
	var jobs []service.JobInfo
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// NewConversation creates a conversation and returns its id.
func (c *Client) NewConversation(ctx context.Context) (string, error) {
	var created server.ConversationCreated
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", nil, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// ListConversations returns the user's conversation ids, newest first.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]string, error) {
	path := "/v1/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list server.ConversationList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.IDs, nil
}

// Conversation returns the stored state of a conversation.
func (c *Client) Conversation(ctx context.Context, id string) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// AppendTurn adds a turn to a conversation.
func (c *Client) AppendTurn(ctx context.Context, id string, role models.Role, content string) (*service.TurnResult, error) {
	var res service.TurnResult
	path := "/v1/conversations/" + url.PathEscape(id) + "/turns"
	if err := c.do(ctx, http.MethodPost, path, server.TurnRequest{Role: role, Content: content}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Context assembles the prompt context for message.
func (c *Client) Context(ctx context.Context, id, message string) (*models.AssembledContext, error) {
	var ac models.AssembledContext
	path := "/v1/conversations/" + url.PathEscape(id) + "/context"
	if err := c.do(ctx, http.MethodPost, path, server.ContextRequest{Message: message}, &ac); err != nil {
		return nil, err
	}
	return &ac, nil
}

// Stats returns the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WatchJob follows a job over a websocket, calling onUpdate for every
// snapshot until the job is done. It returns the final snapshot.
// Return an error from onUpdate to stop watching.
func (c *Client) WatchJob(ctx context.Context, id string, onUpdate func(service.JobInfo) error) (*service.JobInfo, error) {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/v1/jobs/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.userID != "" {
		header.Set(server.UserHeader, c.userID)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{Status: resp.StatusCode, Code: "job_not_found", Message: "job not found"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var info service.JobInfo
		if err := conn.ReadJSON(&info); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read job update: %w", err)
		}
		if onUpdate != nil {
			if err := onUpdate(info); err != nil {
				return nil, err
			}
		}
		if info.Done() {
			return &info, nil
		}
	}
}
