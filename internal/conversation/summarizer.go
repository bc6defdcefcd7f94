package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

// ErrSummarizationSkipped reports that a due summary could not be produced.
// The previous summary is kept and the conversation carries on.
var ErrSummarizationSkipped = errors.New("summarization skipped")

// Generator produces text from a prompt. *llm.Model satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Phase is where a session stands in the summary cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDue         Phase = "due"
	PhaseSummarizing Phase = "summarizing"
)

// Outcome is the result of a Refresh call.
type Outcome string

const (
	OutcomeNotDue   Outcome = "not_due"
	OutcomeUpdated  Outcome = "updated"
	OutcomeInFlight Outcome = "in_flight"
	OutcomeSkipped  Outcome = "skipped"
)

// SummarizerConfig sets when and how large summaries are.
type SummarizerConfig struct {
	// Every is the number of appended turns that makes a summary due.
	Every int
	// MaxTokens caps the summary.
	MaxTokens int
	// Timeout bounds one generation call.
	Timeout time.Duration
}

// Summarizer folds older turns into a bounded rolling summary every few turns.
type Summarizer struct {
	gen     Generator
	est     tokens.Estimator
	cfg     SummarizerConfig
	logger  *slog.Logger
	metrics *metrics.Collector
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) SummarizerOption {
	return func(s *Summarizer) { s.metrics = m }
}

// NewSummarizer creates a summarizer.
func NewSummarizer(gen Generator, est tokens.Estimator, cfg SummarizerConfig, opts ...SummarizerOption) *Summarizer {
	if cfg.Every <= 0 {
		cfg.Every = 6
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Summarizer{
		gen:    gen,
		est:    est,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase reports the session's current phase.
func (s *Summarizer) Phase(sess *Session) Phase {
	if sess.summarizing.Load() {
		return PhaseSummarizing
	}
	if sess.turnCount() >= s.cfg.Every {
		return PhaseDue
	}
	return PhaseIdle
}

// Refresh regenerates the summary when one is due. A failed generation
// leaves the session untouched and returns ErrSummarizationSkipped. A refresh
// already running for the session makes this call return OutcomeInFlight.
func (s *Summarizer) Refresh(ctx context.Context, sess *Session) (Outcome, error) {
	switch s.Phase(sess) {
	case PhaseSummarizing:
		return OutcomeInFlight, nil
	case PhaseIdle:
		return OutcomeNotDue, nil
	}
	if !sess.summarizing.CompareAndSwap(false, true) {
		return OutcomeInFlight, nil
	}
	defer sess.summarizing.Store(false)

	sess.op.Lock()
	defer sess.op.Unlock()

	state := sess.State()
	pending := newTurns(state)
	if len(pending) == 0 {
		// Everything since the last summary was evicted before it could be folded in.
		sess.installSummary(state.Summary, state.TotalAppended)
		return OutcomeNotDue, nil
	}

	prompt := buildPrompt(state.Summary, pending, s.cfg.MaxTokens)

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := s.gen.Generate(genCtx, prompt)
	out = strings.TrimSpace(out)
	if err == nil && out == "" {
		err = errors.New("empty summary")
	}
	s.metrics.RecordLLMUsage(metrics.OpLLMSummarize, time.Since(start),
		int64(s.est.Estimate(prompt)), int64(s.est.Estimate(out)), err)

	if err != nil {
		s.metrics.Inc(metrics.CounterSummariesSkipped)
		s.logger.Warn("summary refresh skipped",
			"conversation_id", sess.ID(),
			"pending_turns", len(pending),
			"error", err,
		)
		return OutcomeSkipped, fmt.Errorf("%w: %w", ErrSummarizationSkipped, err)
	}

	summary := tokens.Clamp(s.est, out, s.cfg.MaxTokens)
	through := pending[len(pending)-1].Seq
	sess.installSummary(summary, through)

	s.logger.Debug("summary refreshed",
		"conversation_id", sess.ID(),
		"folded_turns", len(pending),
		"through_seq", through,
		"summary_tokens", s.est.Estimate(summary),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return OutcomeUpdated, nil
}

// newTurns returns retained turns not yet folded into the summary.
func newTurns(state models.ConversationState) []models.Turn {
	for i, t := range state.Turns {
		if t.Seq > state.LastSummarizedAt {
			return state.Turns[i:]
		}
	}
	return nil
}

func buildPrompt(prior string, turns []models.Turn, maxTokens int) string {
	var b strings.Builder
	b.WriteString("You maintain the running summary of a conversation between a student and a study assistant.\n")
	b.WriteString("Rewrite the summary so it also covers the new messages. Keep course names, assignments, deadlines, ")
	b.WriteString("open questions and the student's goals. Drop greetings and small talk.\n")
	fmt.Fprintf(&b, "Reply with the summary text only, at most %d tokens.\n\n", maxTokens)

	b.WriteString("Current summary:\n")
	if prior == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(prior)
		b.WriteString("\n")
	}

	b.WriteString("\nNew messages:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}
	return b.String()
}
