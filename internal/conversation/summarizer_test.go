package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

// scriptedGenerator returns reply or err. When block is set it waits for
// release after signalling started.
type scriptedGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string

	block   bool
	started chan struct{}
	release chan struct{}
}

func newBlockingGenerator(reply string) *scriptedGenerator {
	return &scriptedGenerator{
		reply:   reply,
		block:   true,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	if g.block {
		g.started <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

var testLimits = Limits{MaxTurns: 10, MaxPartChars: 500}

func newTestSummarizer(gen Generator, every int, m *metrics.Collector) *Summarizer {
	return NewSummarizer(gen, tokens.NewCharEstimator(), SummarizerConfig{
		Every:     every,
		MaxTokens: 50,
		Timeout:   time.Second,
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithMetrics(m))
}

func TestSummarizerPhases(t *testing.T) {
	gen := newBlockingGenerator("Student asked about assignment 1.")
	s := newTestSummarizer(gen, 3, nil)
	sess := NewSession("c1", "u1", testLimits)

	assert.Equal(t, PhaseIdle, s.Phase(sess))
	sess.Append(models.RoleUser, "hi")
	sess.Append(models.RoleAssistant, "hello")
	assert.Equal(t, PhaseIdle, s.Phase(sess))
	sess.Append(models.RoleUser, "when is assignment 1 due?")
	assert.Equal(t, PhaseDue, s.Phase(sess))

	done := make(chan Outcome, 1)
	go func() {
		out, err := s.Refresh(context.Background(), sess)
		assert.NoError(t, err)
		done <- out
	}()

	<-gen.started
	assert.Equal(t, PhaseSummarizing, s.Phase(sess))
	close(gen.release)

	assert.Equal(t, OutcomeUpdated, <-done)
	assert.Equal(t, PhaseIdle, s.Phase(sess))

	state := sess.State()
	assert.Equal(t, "Student asked about assignment 1.", state.Summary)
	assert.Equal(t, 0, state.SummaryTurnCount)
	assert.Equal(t, int64(3), state.LastSummarizedAt)
	assert.Contains(t, gen.lastPrompt(), "[user] when is assignment 1 due?")
	assert.Contains(t, gen.lastPrompt(), "(none)")
}

func TestSummarizerNotDue(t *testing.T) {
	gen := &scriptedGenerator{reply: "x"}
	s := newTestSummarizer(gen, 3, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "hi")

	out, err := s.Refresh(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotDue, out)
	assert.Empty(t, gen.prompts)
}

func TestSummarizerFailureKeepsPreviousSummary(t *testing.T) {
	m := metrics.NewCollector()
	gen := &scriptedGenerator{reply: "first summary"}
	s := newTestSummarizer(gen, 2, m)
	sess := NewSession("c1", "u1", testLimits)

	sess.Append(models.RoleUser, "a")
	sess.Append(models.RoleAssistant, "b")
	_, err := s.Refresh(context.Background(), sess)
	require.NoError(t, err)

	gen.err = errors.New("provider unavailable")
	sess.Append(models.RoleUser, "c")
	sess.Append(models.RoleAssistant, "d")

	out, err := s.Refresh(context.Background(), sess)
	assert.Equal(t, OutcomeSkipped, out)
	require.ErrorIs(t, err, ErrSummarizationSkipped)

	state := sess.State()
	assert.Equal(t, "first summary", state.Summary)
	assert.Equal(t, 2, state.SummaryTurnCount)
	assert.Equal(t, PhaseDue, s.Phase(sess))
	assert.Equal(t, int64(1), m.Counter(metrics.CounterSummariesSkipped))

	// The session stays usable.
	err = sess.Exclusive(func(st models.ConversationState) error {
		assert.Len(t, st.Turns, 4)
		return nil
	})
	require.NoError(t, err)
}

func TestSummarizerEmptyReplyIsSkipped(t *testing.T) {
	s := newTestSummarizer(&scriptedGenerator{reply: "   "}, 1, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")

	out, err := s.Refresh(context.Background(), sess)
	assert.Equal(t, OutcomeSkipped, out)
	assert.ErrorIs(t, err, ErrSummarizationSkipped)
	assert.Empty(t, sess.State().Summary)
}

func TestSummarizerSingleFlight(t *testing.T) {
	gen := newBlockingGenerator("summary")
	s := newTestSummarizer(gen, 1, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Refresh(context.Background(), sess)
	}()
	<-gen.started

	sess.Append(models.RoleUser, "b")
	out, err := s.Refresh(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, out)

	close(gen.release)
	<-done
}

func TestExclusiveWaitsForRefresh(t *testing.T) {
	gen := newBlockingGenerator("summary")
	s := newTestSummarizer(gen, 1, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		_, _ = s.Refresh(context.Background(), sess)
	}()
	<-gen.started

	seen := make(chan string, 1)
	go func() {
		_ = sess.Exclusive(func(st models.ConversationState) error {
			seen <- st.Summary
			return nil
		})
	}()

	select {
	case <-seen:
		t.Fatal("exclusive section ran during a refresh")
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.release)
	<-refreshed
	assert.Equal(t, "summary", <-seen)
}

func TestSummarizerKeepsMidGenerationTurnsCounted(t *testing.T) {
	gen := newBlockingGenerator("summary of a and b")
	s := newTestSummarizer(gen, 2, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")
	sess.Append(models.RoleAssistant, "b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Refresh(context.Background(), sess)
	}()
	<-gen.started
	sess.Append(models.RoleUser, "c")
	close(gen.release)
	<-done

	state := sess.State()
	assert.Equal(t, int64(2), state.LastSummarizedAt)
	assert.Equal(t, 1, state.SummaryTurnCount)
	assert.Equal(t, PhaseIdle, s.Phase(sess))
}

func TestSummarizerClampsOutput(t *testing.T) {
	s := newTestSummarizer(&scriptedGenerator{reply: strings.Repeat("word ", 200)}, 1, nil)
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")

	_, err := s.Refresh(context.Background(), sess)
	require.NoError(t, err)
	assert.LessOrEqual(t, tokens.NewCharEstimator().Estimate(sess.State().Summary), 50)
}

func TestSummarizerIncludesPriorSummary(t *testing.T) {
	gen := &scriptedGenerator{reply: "v1"}
	s := newTestSummarizer(gen, 1, nil)
	sess := NewSession("c1", "u1", testLimits)

	sess.Append(models.RoleUser, "first")
	_, err := s.Refresh(context.Background(), sess)
	require.NoError(t, err)

	gen.reply = "v2"
	sess.Append(models.RoleUser, "second")
	_, err = s.Refresh(context.Background(), sess)
	require.NoError(t, err)

	prompt := gen.lastPrompt()
	assert.Contains(t, prompt, "v1")
	assert.Contains(t, prompt, "[user] second")
	assert.NotContains(t, prompt, "[user] first")
	assert.Equal(t, "v2", sess.State().Summary)
}

func TestRestoreSessionRoundTrip(t *testing.T) {
	sess := NewSession("c1", "u1", testLimits)
	sess.Append(models.RoleUser, "a")
	sess.Append(models.RoleAssistant, "b")
	sess.installSummary("s", 1)

	restored := RestoreSession(sess.State(), testLimits)
	assert.Equal(t, sess.State(), restored.State())
	assert.Equal(t, "u1", restored.UserID())
}
