package graph

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func course(id string) models.Entity {
	return models.Entity{ID: id, Kind: models.KindCourse, Title: id}
}

func child(id string, kind models.Kind, parent string) models.Entity {
	return models.Entity{ID: id, Kind: kind, Title: id, ParentID: parent}
}

func TestBuildDerivesEdges(t *testing.T) {
	g, report := Build("u1", []models.Entity{
		course("course:1"),
		child("module:2", models.KindModule, "course:1"),
		child("module:1", models.KindModule, "course:1"),
		child("page:1:intro", models.KindPage, "module:1"),
	}, time.Hour, testNow, discardLogger())

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"module:1", "module:2"}, g.Children("course:1"), "children are sorted")
	assert.Equal(t, []string{"page:1:intro"}, g.Children("module:1"))
	assert.Equal(t, []string{"course:1"}, g.Roots())
	assert.Equal(t, 3, g.EdgeCount())
	assert.Zero(t, report.DroppedEdges())
	assert.Equal(t, testNow, g.BuiltAt)
	assert.Equal(t, time.Hour, g.TTL)
}

func TestBuildDanglingParentBecomesRoot(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	g, report := Build("u1", []models.Entity{
		course("course:1"),
		child("assignment:9", models.KindAssignment, "module:404"),
	}, time.Hour, testNow, logger)

	assert.Equal(t, []string{"assignment:9", "course:1"}, g.Roots())
	assert.Equal(t, []string{"assignment:9"}, report.DanglingParents)
	assert.Contains(t, logs.String(), "repaired entity graph")
	for _, children := range g.Edges {
		for _, c := range children {
			assert.Contains(t, g.Entities, c, "every edge endpoint exists")
		}
	}
}

func TestBuildDropsSelfAndCycleEdges(t *testing.T) {
	g, report := Build("u1", []models.Entity{
		child("module:a", models.KindModule, "module:b"),
		child("module:b", models.KindModule, "module:c"),
		child("module:c", models.KindModule, "module:a"),
		child("page:1:x", models.KindPage, "page:1:x"),
	}, time.Hour, testNow, discardLogger())

	assert.Equal(t, []string{"page:1:x"}, report.SelfParents)
	require.Len(t, report.CycleEdges, 1)
	assert.Equal(t, "module:a->module:c", report.CycleEdges[0])
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, []string{"module:c", "page:1:x"}, g.Roots())

	// Walking down from every root reaches every entity exactly once.
	seen := map[string]int{}
	var walk func(id string)
	walk = func(id string) {
		seen[id]++
		for _, c := range g.Children(id) {
			walk(c)
		}
	}
	for _, r := range g.Roots() {
		walk(r)
	}
	assert.Len(t, seen, g.Len())
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestBuildFirstDuplicateWins(t *testing.T) {
	first := course("course:1")
	second := course("course:1")
	second.Title = "later copy"

	g, report := Build("u1", []models.Entity{first, second, {ID: "", Kind: models.KindPage}, {ID: "x:1", Kind: "quiz"}},
		time.Hour, testNow, discardLogger())

	assert.Equal(t, "course:1", g.Entities["course:1"].Title)
	assert.Equal(t, []string{"course:1"}, report.Duplicates)
	assert.Equal(t, 2, report.Invalid)
}

func TestBuildEmpty(t *testing.T) {
	g, report := Build("u1", nil, time.Hour, testNow, nil)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.Roots())
	assert.Zero(t, report.DroppedEdges())
}

func TestFingerprintIgnoresBuildTime(t *testing.T) {
	entities := []models.Entity{course("course:1"), child("module:1", models.KindModule, "course:1")}
	a, _ := Build("u1", entities, time.Hour, testNow, discardLogger())
	b, _ := Build("u1", entities, 2*time.Hour, testNow.Add(time.Minute), discardLogger())

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 32)

	changed := append([]models.Entity(nil), entities...)
	changed[0].Title = "renamed"
	c, _ := Build("u1", changed, time.Hour, testNow, discardLogger())
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	assert.Empty(t, Fingerprint(nil))
}

func TestCodecRoundTrip(t *testing.T) {
	updated := time.Date(2025, 2, 10, 9, 30, 0, 123, time.UTC)
	g, _ := Build("u1", []models.Entity{
		{ID: "course:1", Kind: models.KindCourse, Title: "Algorithms", Body: strings.Repeat("graphs ", 200), UpdatedAt: updated},
		child("module:1", models.KindModule, "course:1"),
	}, time.Hour, testNow, discardLogger())

	data, err := Encode(g)
	require.NoError(t, err)
	assert.Less(t, len(data), len(g.Entities["course:1"].Body), "body compresses")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g.UserID, back.UserID)
	assert.Equal(t, g.TTL, back.TTL)
	assert.True(t, g.BuiltAt.Equal(back.BuiltAt))
	assert.True(t, back.Entities["course:1"].UpdatedAt.Equal(updated))
	assert.Equal(t, g.Edges, back.Edges)
	assert.Equal(t, Fingerprint(g), Fingerprint(back))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte{codecVersion, 1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewCache(2, discardLogger())
	require.NoError(t, err)

	for _, u := range []string{"a", "b"} {
		g, _ := Build(u, nil, time.Hour, testNow, nil)
		c.Put(u, g)
	}
	_, _ = c.Get("a")
	g, _ := Build("c", nil, time.Hour, testNow, nil)
	c.Put("c", g)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	c.Invalidate("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Put("nil", nil)
	_, ok = c.Get("nil")
	assert.False(t, ok)
}
