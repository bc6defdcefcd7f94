package assembler

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestAssembler(limits Limits, opts ...Option) *Assembler {
	opts = append([]Option{
		WithPreamble("sys"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(tokens.NewCharEstimator(), limits, opts...)
}

func defaultLimits() Limits {
	return Limits{
		MaxContextTokens:        8000,
		SummaryMaxTokens:        200,
		MaxPartChars:            4000,
		GraphExcerptMaxTokens:   1500,
		GraphExcerptMaxEntities: 8,
	}
}

func stateWith(contents ...string) models.ConversationState {
	st := models.ConversationState{ID: "c1", UserID: "u1"}
	for i, c := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		st.Turns = append(st.Turns, models.Turn{Seq: int64(i + 1), Role: role, Content: c})
	}
	st.TotalAppended = int64(len(contents))
	return st
}

func studyGraph() *models.EntityGraph {
	entities := []models.Entity{
		{ID: "course:101", Kind: models.KindCourse, Title: "COS10009 Introduction to Programming", UpdatedAt: base},
		{ID: "module:10101", Kind: models.KindModule, Title: "Week 3", ParentID: "course:101", UpdatedAt: base},
		{ID: "assignment:101:7", Kind: models.KindAssignment, Title: "Assignment 2: Recursion Report",
			Body: "Write a short report on recursion.", ParentID: "course:101", UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "page:101:recursion", Kind: models.KindPage, Title: "Recursion notes",
			Body: "Base case and recursive case.", ParentID: "module:10101", UpdatedAt: base.Add(time.Hour)},
		{ID: "page:101:loops", Kind: models.KindPage, Title: "Loops",
			Body: "for and while loops.", ParentID: "module:10101", UpdatedAt: base},
	}
	g := &models.EntityGraph{
		UserID:   "u1",
		Entities: map[string]models.Entity{},
		Edges:    map[string][]string{},
		BuiltAt:  base,
		TTL:      time.Hour,
	}
	for _, e := range entities {
		g.Entities[e.ID] = e
		if e.ParentID != "" {
			g.Edges[e.ParentID] = append(g.Edges[e.ParentID], e.ID)
		}
	}
	return g
}

func TestAssembleBudgetExceeded(t *testing.T) {
	m := metrics.NewCollector()
	limits := defaultLimits()
	limits.MaxContextTokens = 100
	a := newTestAssembler(limits, WithMetrics(m))

	_, err := a.Assemble(stateWith("hello"), nil, "what is due?")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "MAX_CONTEXT_TOKENS is 100")
	assert.Contains(t, err.Error(), "SUMMARY_MAX_TOKENS")
	assert.Equal(t, int64(1), m.Counter(metrics.CounterBudgetExceeded))
}

func TestAssembleFloorBoundary(t *testing.T) {
	limits := defaultLimits()
	a := newTestAssembler(limits)
	msg := "what is due this week?"

	limits.MaxContextTokens = a.Floor(msg)
	_, err := newTestAssembler(limits).Assemble(stateWith(), nil, msg)
	require.NoError(t, err)

	limits.MaxContextTokens--
	_, err = newTestAssembler(limits).Assemble(stateWith(), nil, msg)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestAssembleKeepsNewestTurnsInOrder(t *testing.T) {
	limits := defaultLimits()
	limits.SummaryMaxTokens = 10
	// preamble 7 + message 8 leaves room for exactly two 16-token turns.
	limits.MaxContextTokens = 50
	a := newTestAssembler(limits)

	turn := func(c byte) string { return strings.Repeat(string(c), 40) }
	st := stateWith(turn('a'), turn('b'), turn('c'), turn('d'), turn('e'))

	ac, err := a.Assemble(st, nil, "hi there")
	require.NoError(t, err)
	require.Len(t, ac.RecentTurns, 2)
	assert.Equal(t, int64(4), ac.RecentTurns[0].Seq)
	assert.Equal(t, int64(5), ac.RecentTurns[1].Seq)
	assert.Equal(t, 47, ac.TotalTokenEstimate)
	assert.Equal(t, 50, ac.Budget)
}

func TestAssembleSkipsAcknowledgements(t *testing.T) {
	a := newTestAssembler(defaultLimits())
	st := stateWith("explain recursion", "ok", "Recursion is a function calling itself.", "Thanks!", "got it")

	ac, err := a.Assemble(st, nil, "and loops?")
	require.NoError(t, err)
	var got []string
	for _, turn := range ac.RecentTurns {
		got = append(got, turn.Content)
	}
	assert.Equal(t, []string{"explain recursion", "Recursion is a function calling itself."}, got)
}

func TestAssembleSummaryVerbatim(t *testing.T) {
	a := newTestAssembler(defaultLimits())
	st := stateWith("hi")
	st.Summary = "Student is preparing Assignment 2."

	ac, err := a.Assemble(st, nil, "next step?")
	require.NoError(t, err)
	assert.Equal(t, st.Summary, ac.Summary)
	assert.Equal(t, "sys", ac.SystemPreamble)
	assert.Equal(t, "next step?", ac.CurrentMessage)
}

func TestAssembleClipsCurrentMessage(t *testing.T) {
	limits := defaultLimits()
	limits.MaxPartChars = 10
	a := newTestAssembler(limits)

	ac, err := a.Assemble(stateWith(), nil, strings.Repeat("x", 50))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), ac.CurrentMessage)
}

func TestAssembleGraphExcerpt(t *testing.T) {
	a := newTestAssembler(defaultLimits())

	ac, err := a.Assemble(stateWith(), studyGraph(), "help with the recursion assignment")
	require.NoError(t, err)

	assert.Equal(t, []string{"assignment:101:7", "page:101:recursion"}, ac.ExcerptEntityIDs)
	assert.Contains(t, ac.GraphExcerpt, "[assignment] Assignment 2: Recursion Report (in COS10009 Introduction to Programming)")
	assert.Contains(t, ac.GraphExcerpt, "Base case and recursive case.")
	assert.NotContains(t, ac.GraphExcerpt, "Loops")
}

func TestAssembleExcerptTieBreak(t *testing.T) {
	g := studyGraph()
	g.Entities["page:101:a-recursion"] = models.Entity{
		ID: "page:101:a-recursion", Kind: models.KindPage, Title: "Recursion notes",
		Body: "Base case and recursive case.", ParentID: "module:10101", UpdatedAt: base.Add(time.Hour),
	}
	a := newTestAssembler(defaultLimits())

	ac, err := a.Assemble(stateWith(), g, "recursion notes")
	require.NoError(t, err)
	// Equal scores and timestamps fall back to id order.
	assert.Equal(t, []string{"page:101:a-recursion", "page:101:recursion", "assignment:101:7"}, ac.ExcerptEntityIDs)
}

func TestAssembleExcerptLimits(t *testing.T) {
	limits := defaultLimits()
	limits.GraphExcerptMaxEntities = 1
	a := newTestAssembler(limits)

	ac, err := a.Assemble(stateWith(), studyGraph(), "recursion")
	require.NoError(t, err)
	assert.Equal(t, []string{"assignment:101:7"}, ac.ExcerptEntityIDs)

	limits = defaultLimits()
	limits.GraphExcerptMaxTokens = 10
	ac, err = newTestAssembler(limits).Assemble(stateWith(), studyGraph(), "recursion")
	require.NoError(t, err)
	assert.Empty(t, ac.GraphExcerpt)
	assert.Empty(t, ac.ExcerptEntityIDs)
}

func TestAssembleWithoutGraph(t *testing.T) {
	a := newTestAssembler(defaultLimits())
	ac, err := a.Assemble(stateWith("hi there friend"), nil, "recursion")
	require.NoError(t, err)
	assert.Empty(t, ac.GraphExcerpt)
	assert.Len(t, ac.RecentTurns, 1)
}

type constScorer float64

func (s constScorer) Score(string, models.Entity) float64 { return float64(s) }

func TestAssembleCustomScorer(t *testing.T) {
	a := newTestAssembler(defaultLimits(), WithScorer(constScorer(1)))
	ac, err := a.Assemble(stateWith(), studyGraph(), "anything")
	require.NoError(t, err)
	// All scores tie, so the newest entities lead.
	require.Len(t, ac.ExcerptEntityIDs, 5)
	assert.Equal(t, "assignment:101:7", ac.ExcerptEntityIDs[0])
	assert.Equal(t, "page:101:recursion", ac.ExcerptEntityIDs[1])
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	est := tokens.NewCharEstimator()
	var contents []string
	for i := 0; i < 12; i++ {
		contents = append(contents, strings.Repeat(fmt.Sprintf("turn %d recursion ", i), i*7+1))
	}
	st := stateWith(contents...)
	st.Summary = strings.Repeat("summary ", 30)
	msg := "how does recursion relate to assignment 2?"

	for budget := 100; budget <= 3000; budget += 37 {
		limits := defaultLimits()
		limits.MaxContextTokens = budget
		limits.SummaryMaxTokens = 60
		limits.GraphExcerptMaxTokens = budget / 3
		a := newTestAssembler(limits)

		ac, err := a.Assemble(st, studyGraph(), msg)
		if budget < a.Floor(msg) {
			require.ErrorIs(t, err, ErrBudgetExceeded, "budget %d", budget)
			continue
		}
		require.NoError(t, err, "budget %d", budget)
		assert.LessOrEqual(t, ac.TotalTokenEstimate, budget)

		total := est.Estimate(ac.SystemPreamble) + est.Estimate(ac.CurrentMessage) + 2*MessageOverhead
		if ac.Summary != "" {
			total += est.Estimate(ac.Summary) + MessageOverhead
		}
		if ac.GraphExcerpt != "" {
			total += est.Estimate(ac.GraphExcerpt) + MessageOverhead
		}
		for _, turn := range ac.RecentTurns {
			total += est.Estimate(turn.Content) + MessageOverhead
		}
		assert.Equal(t, total, ac.TotalTokenEstimate, "budget %d", budget)
	}
}

func TestRender(t *testing.T) {
	a := newTestAssembler(defaultLimits())
	st := stateWith("explain recursion")
	st.Summary = "earlier talk"
	ac, err := a.Assemble(st, studyGraph(), "recursion")
	require.NoError(t, err)

	out := Render(ac)
	assert.True(t, strings.HasPrefix(out, "[system]\nsys\n"))
	assert.Contains(t, out, "[summary]\nearlier talk")
	assert.Contains(t, out, "[material]\n")
	assert.Contains(t, out, "[user]\nexplain recursion")
	assert.True(t, strings.HasSuffix(out, fmt.Sprintf("(%d of 8000 tokens)\n", ac.TotalTokenEstimate)))
}
