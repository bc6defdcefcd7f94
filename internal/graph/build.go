// Package graph builds, caches and refreshes a user's LMS entity graph.
//
// Graphs are immutable once built. The cache hands out pointers and a refresh
// replaces the pointer wholesale, so readers never observe a half-built graph.
package graph

import (
	"log/slog"
	"slices"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// BuildReport lists what Build had to repair.
type BuildReport struct {
	Duplicates      []string `json:"duplicates,omitempty"`
	Invalid         int      `json:"invalid,omitempty"`
	DanglingParents []string `json:"dangling_parents,omitempty"`
	SelfParents     []string `json:"self_parents,omitempty"`
	CycleEdges      []string `json:"cycle_edges,omitempty"`
}

// DroppedEdges is the number of parent references that did not become edges.
func (r BuildReport) DroppedEdges() int {
	return len(r.DanglingParents) + len(r.SelfParents) + len(r.CycleEdges)
}

// Build indexes entities by id and derives parent->child edges from ParentID.
//
// The first occurrence of a duplicate id wins. Entities without an id or with
// an unknown kind are skipped. A parent reference that points nowhere, at the
// entity itself, or that would close a cycle is dropped and the child becomes
// a root. Build never fails.
func Build(userID string, entities []models.Entity, ttl time.Duration, now time.Time, logger *slog.Logger) (*models.EntityGraph, BuildReport) {
	if logger == nil {
		logger = slog.Default()
	}

	var report BuildReport
	g := &models.EntityGraph{
		UserID:   userID,
		Entities: make(map[string]models.Entity, len(entities)),
		Edges:    make(map[string][]string),
		BuiltAt:  now,
		TTL:      ttl,
	}

	for _, e := range entities {
		if e.ID == "" || !e.Kind.Valid() {
			report.Invalid++
			continue
		}
		if _, dup := g.Entities[e.ID]; dup {
			report.Duplicates = append(report.Duplicates, e.ID)
			continue
		}
		g.Entities[e.ID] = e
	}

	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	parentOf := make(map[string]string, len(ids))
	for _, id := range ids {
		parent := g.Entities[id].ParentID
		switch {
		case parent == "":
			continue
		case parent == id:
			report.SelfParents = append(report.SelfParents, id)
			continue
		}
		if _, ok := g.Entities[parent]; !ok {
			report.DanglingParents = append(report.DanglingParents, id)
			continue
		}
		if reaches(parentOf, parent, id) {
			report.CycleEdges = append(report.CycleEdges, parent+"->"+id)
			continue
		}
		parentOf[id] = parent
		g.Edges[parent] = append(g.Edges[parent], id)
	}

	// ids were visited in order, so every child list is already sorted.

	if n := report.DroppedEdges(); n > 0 || len(report.Duplicates) > 0 || report.Invalid > 0 {
		logger.Warn("repaired entity graph",
			"user_id", userID,
			"dropped_edges", n,
			"dangling", len(report.DanglingParents),
			"self_parents", len(report.SelfParents),
			"cycles", len(report.CycleEdges),
			"duplicates", len(report.Duplicates),
			"invalid", report.Invalid,
		)
	}
	return g, report
}

// reaches reports whether walking up from start along accepted parent links hits target.
func reaches(parentOf map[string]string, start, target string) bool {
	for cur := start; cur != ""; cur = parentOf[cur] {
		if cur == target {
			return true
		}
	}
	return false
}
