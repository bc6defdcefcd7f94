// Package conversation keeps bounded chat history and its rolling summary.
package conversation

import (
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// TruncationMarker is appended to content cut at the per-turn character cap.
const TruncationMarker = " (truncated)"

// Window holds the most recent turns of a conversation, oldest first.
// It knows nothing about summaries. Window is not safe for concurrent use;
// Session serializes access to it.
type Window struct {
	maxTurns     int
	maxPartChars int
	turns        []models.Turn
	lastSeq      int64
	now          func() time.Time
}

// NewWindow creates an empty window.
func NewWindow(maxTurns, maxPartChars int) *Window {
	return &Window{
		maxTurns:     max(maxTurns, 1),
		maxPartChars: max(maxPartChars, 1),
		now:          time.Now,
	}
}

// restoreWindow rebuilds a window from persisted turns, keeping the newest maxTurns.
func restoreWindow(turns []models.Turn, lastSeq int64, maxTurns, maxPartChars int) *Window {
	w := NewWindow(maxTurns, maxPartChars)
	if len(turns) > w.maxTurns {
		turns = turns[len(turns)-w.maxTurns:]
	}
	w.turns = append(w.turns, turns...)
	w.lastSeq = lastSeq
	if n := len(w.turns); n > 0 && w.turns[n-1].Seq > w.lastSeq {
		w.lastSeq = w.turns[n-1].Seq
	}
	return w
}

// Append adds a turn, evicting the oldest one when the window is full.
// Content over the character cap is cut and marked.
func (w *Window) Append(role models.Role, content string) models.Turn {
	text, truncated := truncate(content, w.maxPartChars)
	w.lastSeq++
	t := models.Turn{
		Seq:       w.lastSeq,
		Role:      role,
		Content:   text,
		Truncated: truncated,
		CreatedAt: w.now().UTC(),
	}

	if len(w.turns) == w.maxTurns {
		copy(w.turns, w.turns[1:])
		w.turns = w.turns[:len(w.turns)-1]
	}
	w.turns = append(w.turns, t)
	return t
}

// Snapshot returns a copy of the retained turns.
func (w *Window) Snapshot() []models.Turn {
	out := make([]models.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Len returns the number of retained turns.
func (w *Window) Len() int {
	return len(w.turns)
}

// LastSeq returns the sequence number of the newest turn ever appended.
func (w *Window) LastSeq() int64 {
	return w.lastSeq
}

// truncate cuts s to limit runes plus TruncationMarker.
func truncate(s string, limit int) (string, bool) {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + TruncationMarker, true
		}
		n++
	}
	return s, false
}
