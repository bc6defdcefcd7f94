// Package assembler builds the per-turn prompt material within a fixed token
// budget: system preamble, rolling summary, a relevant slice of the user's LMS
// entity graph, and as many recent turns as still fit.
package assembler

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

// ErrBudgetExceeded means the mandatory parts of a prompt do not fit the
// configured budget. It is a configuration problem, not a transient one.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// MessageOverhead is the framing cost, in tokens, of every message in a prompt.
const MessageOverhead = 6

// excerptBodyChars caps how much of an entity body is quoted in the excerpt.
const excerptBodyChars = 400

// DefaultPreamble is the system instruction placed first in every prompt.
const DefaultPreamble = `You are a study assistant for a university student. Answer using the student's course material when it is relevant and say which course, module, assignment or page you relied on. If the material does not cover the question, say so instead of guessing. Be concise and concrete.`

var ackOnly = regexp.MustCompile(`(?i)^(ok|okay|thanks|thank you|got it|sure)[.!]*$`)

// Limits are the token and size limits used for one assembly.
type Limits struct {
	MaxContextTokens        int
	SummaryMaxTokens        int
	MaxPartChars            int
	GraphExcerptMaxTokens   int
	GraphExcerptMaxEntities int
}

// LimitsFromBudget copies the assembly limits out of the configured budget.
func LimitsFromBudget(b config.Budget) Limits {
	return Limits{
		MaxContextTokens:        b.MaxContextTokens,
		SummaryMaxTokens:        b.SummaryMaxTokens,
		MaxPartChars:            b.MaxPartChars,
		GraphExcerptMaxTokens:   b.GraphExcerptMaxTokens,
		GraphExcerptMaxEntities: b.GraphExcerptMaxEntities,
	}
}

// Assembler turns conversation state and an entity graph into an AssembledContext.
// It holds no per-conversation state and is safe for concurrent use.
type Assembler struct {
	limits   Limits
	est      tokens.Estimator
	scorer   Scorer
	preamble string
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithScorer replaces the lexical relevance scorer.
func WithScorer(s Scorer) Option {
	return func(a *Assembler) { a.scorer = s }
}

// WithPreamble replaces the default system preamble.
func WithPreamble(p string) Option {
	return func(a *Assembler) { a.preamble = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Assembler) { a.metrics = m }
}

// New creates an assembler.
func New(est tokens.Estimator, limits Limits, opts ...Option) *Assembler {
	a := &Assembler{
		limits:   limits,
		est:      est,
		scorer:   LexicalScorer{},
		preamble: DefaultPreamble,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Floor returns the tokens that must fit before anything optional is added:
// the preamble, the full summary reserve and the current message.
func (a *Assembler) Floor(message string) int {
	return a.cost(a.preamble) +
		a.limits.SummaryMaxTokens + MessageOverhead +
		a.cost(a.clip(message))
}

// Assemble builds the prompt material for message. graph may be nil when no
// LMS data has been fetched yet. The result never exceeds MaxContextTokens.
func (a *Assembler) Assemble(state models.ConversationState, graph *models.EntityGraph, message string) (_ *models.AssembledContext, err error) {
	start := time.Now()
	defer func() { a.metrics.RecordTiming(metrics.OpAssemble, time.Since(start), err) }()

	budget := a.limits.MaxContextTokens
	current := a.clip(message)

	if floor := a.Floor(message); floor > budget {
		a.metrics.Inc(metrics.CounterBudgetExceeded)
		return nil, fmt.Errorf(
			"%w: preamble (%d) + summary reserve (%d) + current message (%d) need %d tokens but MAX_CONTEXT_TOKENS is %d; raise MAX_CONTEXT_TOKENS or lower SUMMARY_MAX_TOKENS or MAX_PART_CHARS",
			ErrBudgetExceeded, a.cost(a.preamble), a.limits.SummaryMaxTokens+MessageOverhead,
			a.cost(current), floor, budget)
	}

	out := &models.AssembledContext{
		SystemPreamble: a.preamble,
		CurrentMessage: current,
		Budget:         budget,
		RecentTurns:    []models.Turn{},
	}
	used := a.cost(a.preamble) + a.cost(current)

	if summary := strings.TrimSpace(state.Summary); summary != "" {
		out.Summary = tokens.Clamp(a.est, summary, a.limits.SummaryMaxTokens)
		used += a.cost(out.Summary)
	}

	if graph != nil && graph.Len() > 0 {
		graphBudget := min(a.limits.GraphExcerptMaxTokens, budget-used)
		excerpt, ids := a.excerpt(graph, current, graphBudget)
		if excerpt != "" {
			out.GraphExcerpt = excerpt
			out.ExcerptEntityIDs = ids
			used += a.cost(excerpt)
		}
	}

	var picked []models.Turn
	for i := len(state.Turns) - 1; i >= 0; i-- {
		t := state.Turns[i]
		if isAck(t.Content) {
			continue
		}
		c := a.cost(t.Content)
		if used+c > budget {
			break
		}
		used += c
		picked = append(picked, t)
	}
	slices.Reverse(picked)
	if picked != nil {
		out.RecentTurns = picked
	}
	out.TotalTokenEstimate = used

	a.logger.Debug("context assembled",
		"conversation_id", state.ID,
		"tokens", used,
		"budget", budget,
		"turns", len(picked),
		"excerpt_entities", len(out.ExcerptEntityIDs),
		"has_summary", out.Summary != "",
	)
	return out, nil
}

// excerpt renders the highest scoring entities that fit within limit tokens.
// An entity too large for the space left is skipped in favour of the next one.
func (a *Assembler) excerpt(g *models.EntityGraph, message string, limit int) (string, []string) {
	if limit <= MessageOverhead || a.limits.GraphExcerptMaxEntities <= 0 {
		return "", nil
	}

	type candidate struct {
		entity models.Entity
		score  float64
	}
	var ranked []candidate
	for _, e := range g.Entities {
		if s := a.scorer.Score(message, e); s > 0 {
			ranked = append(ranked, candidate{entity: e, score: s})
		}
	}
	slices.SortFunc(ranked, func(x, y candidate) int {
		switch {
		case x.score != y.score:
			if x.score > y.score {
				return -1
			}
			return 1
		case !x.entity.UpdatedAt.Equal(y.entity.UpdatedAt):
			return y.entity.UpdatedAt.Compare(x.entity.UpdatedAt)
		default:
			return strings.Compare(x.entity.ID, y.entity.ID)
		}
	})

	var (
		b   strings.Builder
		ids []string
	)
	b.WriteString("Relevant course material:\n")
	for _, c := range ranked {
		if len(ids) == a.limits.GraphExcerptMaxEntities {
			break
		}
		block := renderEntity(g, c.entity)
		if a.cost(b.String()+block) > limit {
			continue
		}
		b.WriteString(block)
		ids = append(ids, c.entity.ID)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return strings.TrimRight(b.String(), "\n"), ids
}

func renderEntity(g *models.EntityGraph, e models.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s] %s", e.Kind, e.Title)
	if parent, ok := g.Entities[e.ParentID]; ok && e.ParentID != "" {
		fmt.Fprintf(&b, " (in %s)", parent.Title)
	}
	if !e.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, ", updated %s", e.UpdatedAt.UTC().Format("2006-01-02"))
	}
	b.WriteString("\n")
	if body := strings.TrimSpace(e.Body); body != "" {
		if r := []rune(body); len(r) > excerptBodyChars {
			body = string(r[:excerptBodyChars]) + "..."
		}
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String()
}

// cost is the prompt cost of one message carrying text.
func (a *Assembler) cost(text string) int {
	return a.est.Estimate(text) + MessageOverhead
}

func (a *Assembler) clip(message string) string {
	message = strings.TrimSpace(message)
	if r := []rune(message); a.limits.MaxPartChars > 0 && len(r) > a.limits.MaxPartChars {
		return string(r[:a.limits.MaxPartChars])
	}
	return message
}

func isAck(content string) bool {
	t := strings.TrimSpace(content)
	return t == "" || ackOnly.MatchString(t)
}

// Render formats an assembled context as plain text, one labelled block per part.
func Render(ac *models.AssembledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[system]\n%s\n", ac.SystemPreamble)
	if ac.Summary != "" {
		fmt.Fprintf(&b, "\n[summary]\n%s\n", ac.Summary)
	}
	if ac.GraphExcerpt != "" {
		fmt.Fprintf(&b, "\n[material]\n%s\n", ac.GraphExcerpt)
	}
	for _, t := range ac.RecentTurns {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&b, "\n[user]\n%s\n", ac.CurrentMessage)
	fmt.Fprintf(&b, "\n(%d of %d tokens)\n", ac.TotalTokenEstimate, ac.Budget)
	return b.String()
}
