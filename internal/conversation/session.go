package conversation

import (
	"sync"
	"sync/atomic"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// Limits bounds the raw history of a session.
type Limits struct {
	MaxTurns     int
	MaxPartChars int
}

// Session is one conversation: its history window plus the rolling summary.
//
// Appends only take the state lock, so a user can keep talking while a summary
// is generated. Summarization and context assembly additionally hold the
// operation lock and therefore never overlap for the same session.
type Session struct {
	id     string
	userID string

	mu               sync.Mutex
	window           *Window
	summary          string
	summaryTurnCount int
	lastSummarizedAt int64

	op          sync.Mutex
	summarizing atomic.Bool
}

// NewSession creates an empty session.
func NewSession(id, userID string, limits Limits) *Session {
	return &Session{
		id:     id,
		userID: userID,
		window: NewWindow(limits.MaxTurns, limits.MaxPartChars),
	}
}

// RestoreSession rebuilds a session from persisted state.
func RestoreSession(state models.ConversationState, limits Limits) *Session {
	return &Session{
		id:               state.ID,
		userID:           state.UserID,
		window:           restoreWindow(state.Turns, state.TotalAppended, limits.MaxTurns, limits.MaxPartChars),
		summary:          state.Summary,
		summaryTurnCount: state.SummaryTurnCount,
		lastSummarizedAt: state.LastSummarizedAt,
	}
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Append adds a turn to the window and counts it towards the next summary.
func (s *Session) Append(role models.Role, content string) models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.window.Append(role, content)
	s.summaryTurnCount++
	return t
}

// State returns a consistent copy of the session.
func (s *Session) State() models.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ConversationState{
		ID:               s.id,
		UserID:           s.userID,
		Turns:            s.window.Snapshot(),
		Summary:          s.summary,
		SummaryTurnCount: s.summaryTurnCount,
		LastSummarizedAt: s.lastSummarizedAt,
		TotalAppended:    s.window.LastSeq(),
	}
}

// Exclusive runs fn with the operation lock held, passing a snapshot taken
// under that lock. Assembly uses it so it never overlaps a summary refresh.
// A refresh holds the lock for its whole generation call, so fn can wait up
// to the summarizer timeout.
func (s *Session) Exclusive(fn func(state models.ConversationState) error) error {
	s.op.Lock()
	defer s.op.Unlock()
	return fn(s.State())
}

func (s *Session) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryTurnCount
}

// installSummary replaces the summary with one covering turns up to throughSeq.
// Turns appended after throughSeq stay counted for the next refresh.
func (s *Session) installSummary(summary string, throughSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	s.lastSummarizedAt = throughSeq
	s.summaryTurnCount = int(s.window.LastSeq() - throughSeq)
}
