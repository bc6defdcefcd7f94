// Package service composes the fetcher, graph cache, conversation sessions,
// summarizer and assembler into the two entry points callers use: prefetch
// and per-turn context.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/assembler"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/conversation"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/credentials"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/graph"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/lms"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

var (
	// ErrConversationNotFound is returned for unknown conversations and for
	// conversations owned by another user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidInput is returned for empty messages and unknown roles.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	// DefaultSessionCacheSize bounds how many conversations stay in memory.
	DefaultSessionCacheSize = 10000
	// jobTimeout bounds a background prefetch job including credential lookup.
	jobTimeout = 2 * time.Minute
)

// Components are the collaborators an Engine is assembled from.
type Components struct {
	Resolver   credentials.Resolver
	Prefetcher *graph.Prefetcher
	Summarizer *conversation.Summarizer
	Assembler  *assembler.Assembler
	Store      conversation.Store
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// MaxItems is the prefetch ceiling used when a caller passes none.
	MaxItems int
	// SessionCacheSize defaults to DefaultSessionCacheSize.
	SessionCacheSize int
	// Closers run in order on Close, after background work has stopped.
	Closers []func(context.Context) error
}

// TurnResult is the outcome of appending a turn.
type TurnResult struct {
	Turn         models.Turn          `json:"turn"`
	Summary      conversation.Outcome `json:"summary"`
	SummaryError string               `json:"summary_error,omitempty"`
	Phase        conversation.Phase   `json:"phase"`
	Persisted    bool                 `json:"persisted"`
}

// Engine is the conversation context assembly engine.
type Engine struct {
	budget     config.Budget
	resolver   credentials.Resolver
	prefetcher *graph.Prefetcher
	summarizer *conversation.Summarizer
	assembler  *assembler.Assembler
	store      conversation.Store
	jobs       *JobManager
	maxItems   int
	sessions   *lru.Cache[string, *conversation.Session]
	busyMu     sync.Mutex
	busy       map[string]*busySession
	metrics    *metrics.Collector
	logger     *slog.Logger
	closers    []func(context.Context) error

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// busySession is a session pinned by running operations. It outlives an
// eviction from the session cache until the last operation releases it.
type busySession struct {
	sess *conversation.Session
	refs int
}

// New creates an engine from ready components.
func New(budget config.Budget, c Components) (*Engine, error) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Store == nil {
		c.Store = conversation.NewMemoryStore()
	}
	if c.MaxItems <= 0 {
		c.MaxItems = lms.DefaultMaxItems
	}
	if c.SessionCacheSize <= 0 {
		c.SessionCacheSize = DefaultSessionCacheSize
	}
	sessions, err := lru.New[string, *conversation.Session](c.SessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}

	e := &Engine{
		budget:     budget,
		resolver:   c.Resolver,
		prefetcher: c.Prefetcher,
		summarizer: c.Summarizer,
		assembler:  c.Assembler,
		store:      c.Store,
		jobs:       NewJobManager(c.Logger),
		maxItems:   c.MaxItems,
		busy:       make(map[string]*busySession),
		sessions:   sessions,
		metrics:    c.Metrics,
		logger:     c.Logger,
		closers:    c.Closers,
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Prefetch refreshes the user's entity graph and waits for the result.
func (e *Engine) Prefetch(ctx context.Context, userID string, maxItems int, opts ...lms.FetchOption) (*graph.PrefetchResult, error) {
	if maxItems <= 0 {
		maxItems = e.maxItems
	}
	creds, err := e.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return e.prefetcher.Prefetch(ctx, userID, creds, maxItems, opts...)
}

// StartPrefetchJob runs Prefetch in the background and returns its job.
func (e *Engine) StartPrefetchJob(userID string, maxItems int) *Job {
	if maxItems <= 0 {
		maxItems = e.maxItems
	}
	job := e.jobs.Create(JobTypePrefetch, userID, maxItems)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.jobs.Fail(job, fmt.Errorf("internal panic: %v", r))
			}
		}()

		ctx, cancel := context.WithTimeout(e.baseCtx, jobTimeout)
		defer cancel()

		e.jobs.SetRunning(job)
		res, err := e.Prefetch(ctx, userID, maxItems, lms.WithProgress(func(done, total int) {
			e.jobs.UpdateProgress(job, done, total)
		}))
		if err != nil {
			e.jobs.Fail(job, err)
			return
		}
		e.jobs.Complete(job, res)
	}()
	return job
}

// Jobs returns the job manager.
func (e *Engine) Jobs() *JobManager {
	return e.jobs
}

// NewConversation starts an empty conversation for userID.
func (e *Engine) NewConversation(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	sess := conversation.NewSession(uuid.NewString(), userID, e.limits())
	if err := e.store.Save(ctx, sess.State()); err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}
	e.sessions.Add(sess.ID(), sess)
	e.logger.Info("conversation created", "conversation_id", sess.ID(), "user_id", userID)
	return sess.ID(), nil
}

// AppendTurn records a turn and refreshes the rolling summary when one is
// due. A failed summary is reported in the result, never as an error.
func (e *Engine) AppendTurn(ctx context.Context, userID, conversationID string, role models.Role, content string) (*TurnResult, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	sess, err := e.session(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	defer e.pin(sess)()

	res := &TurnResult{Turn: sess.Append(role, content)}

	outcome, err := e.summarizer.Refresh(ctx, sess)
	res.Summary = outcome
	if err != nil {
		res.SummaryError = err.Error()
	}
	res.Phase = e.summarizer.Phase(sess)

	err = sess.Exclusive(func(state models.ConversationState) error {
		return e.store.Save(ctx, state)
	})
	if err != nil {
		e.logger.Warn("failed to persist conversation", "conversation_id", conversationID, "error", err)
	} else {
		res.Persisted = true
	}
	return res, nil
}

// Context assembles the prompt material for message. The graph lookup never
// waits on the LMS: a stale or missing graph triggers a background refresh
// and the answer is grounded in whatever is cached.
func (e *Engine) Context(ctx context.Context, userID, conversationID, message string) (*models.AssembledContext, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	sess, err := e.session(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	defer e.pin(sess)()

	var g *models.EntityGraph
	creds, err := e.resolver.Resolve(ctx, userID)
	if err != nil {
		e.logger.Debug("assembling without LMS data", "user_id", userID, "error", err)
	} else {
		lookup := e.prefetcher.Lookup(ctx, userID, creds)
		g = lookup.Graph
		if lookup.Stale || lookup.Graph == nil {
			e.logger.Debug("graph not fresh", "user_id", userID, "stale", lookup.Stale, "refreshing", lookup.Refreshing)
		}
	}

	var out *models.AssembledContext
	err = sess.Exclusive(func(state models.ConversationState) error {
		var aerr error
		out, aerr = e.assembler.Assemble(state, g, message)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation returns the stored state of a conversation.
func (e *Engine) Conversation(ctx context.Context, userID, conversationID string) (models.ConversationState, error) {
	sess, err := e.session(ctx, userID, conversationID)
	if err != nil {
		return models.ConversationState{}, err
	}
	return sess.State(), nil
}

// ListConversations returns the user's conversation ids, newest first.
func (e *Engine) ListConversations(ctx context.Context, userID string, limit int) ([]string, error) {
	return e.store.List(ctx, userID, limit)
}

// Stats returns a metrics snapshot.
func (e *Engine) Stats() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Close stops background jobs and refreshes, then runs the closers.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	e.wg.Wait()
	if e.prefetcher != nil {
		e.prefetcher.Close()
	}
	var errs []error
	for _, c := range e.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// session returns the live session, restoring it from the store when needed.
func (e *Engine) session(ctx context.Context, userID, id string) (*conversation.Session, error) {
	sess, ok := e.sessions.Get(id)
	if !ok {
		if sess, ok = e.pinned(id); ok {
			e.sessions.Add(id, sess)
		}
	}
	if !ok {
		state, err := e.store.Load(ctx, id)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		restored := conversation.RestoreSession(state, e.limits())
		if prev, found, _ := e.sessions.PeekOrAdd(id, restored); found {
			sess = prev
		} else {
			sess = restored
		}
	}
	if sess.UserID() != userID {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return sess, nil
}

// pin keeps sess reachable while an operation runs on it, so a cache
// eviction cannot split the conversation into two live sessions. The
// returned func releases the pin.
func (e *Engine) pin(sess *conversation.Session) func() {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	b, ok := e.busy[sess.ID()]
	if !ok {
		b = &busySession{sess: sess}
		e.busy[sess.ID()] = b
	}
	b.refs++
	return func() {
		e.busyMu.Lock()
		defer e.busyMu.Unlock()
		b.refs--
		if b.refs == 0 {
			delete(e.busy, sess.ID())
		}
	}
}

func (e *Engine) pinned(id string) (*conversation.Session, bool) {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	b, ok := e.busy[id]
	if !ok {
		return nil, false
	}
	return b.sess, true
}

func (e *Engine) limits() conversation.Limits {
	return conversation.Limits{
		MaxTurns:     e.budget.MaxHistoryTurns,
		MaxPartChars: e.budget.MaxPartChars,
	}
}
