// Package models defines the data structures shared by the engine: LMS
// entities and their graph, conversation turns and assembled context.
package models

import (
	"fmt"
	"sort"
	"time"
)

// Kind is the LMS object type of an entity.
type Kind string

const (
	KindCourse     Kind = "course"
	KindModule     Kind = "module"
	KindAssignment Kind = "assignment"
	KindPage       Kind = "page"
)

// Valid reports whether k is one of the known entity kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCourse, KindModule, KindAssignment, KindPage:
		return true
	}
	return false
}

// Entity is one LMS object. Entities are immutable once fetched.
type Entity struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID builds a namespaced entity id such as "course:101".
func EntityID(kind Kind, parts ...any) string {
	id := string(kind)
	for _, p := range parts {
		id += fmt.Sprintf(":%v", p)
	}
	return id
}

// EntityGraph is the forest of a user's LMS entities.
// A graph is never mutated after it is built; refreshes replace it wholesale.
type EntityGraph struct {
	UserID   string              `json:"user_id"`
	Entities map[string]Entity   `json:"entities"`
	Edges    map[string][]string `json:"edges"`
	BuiltAt  time.Time           `json:"built_at"`
	TTL      time.Duration       `json:"ttl"`
}

// Expired reports whether the graph is past its freshness window.
// An expired graph is still servable.
func (g *EntityGraph) Expired(now time.Time) bool {
	return now.Sub(g.BuiltAt) > g.TTL
}

// Len returns the number of entities in the graph.
func (g *EntityGraph) Len() int {
	return len(g.Entities)
}

// Children returns the child ids of id in sorted order.
func (g *EntityGraph) Children(id string) []string {
	return g.Edges[id]
}

// Roots returns the ids of entities without a parent edge, sorted.
func (g *EntityGraph) Roots() []string {
	hasParent := make(map[string]bool, len(g.Entities))
	for _, children := range g.Edges {
		for _, c := range children {
			hasParent[c] = true
		}
	}
	var roots []string
	for id := range g.Entities {
		if !hasParent[id] {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// EdgeCount returns the number of parent->child edges.
func (g *EntityGraph) EdgeCount() int {
	n := 0
	for _, children := range g.Edges {
		n += len(children)
	}
	return n
}

// Credentials is a decrypted LMS API key and base URL.
type Credentials struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url"`
}
