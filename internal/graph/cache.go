package graph

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// DefaultCacheUsers is the number of user graphs kept in memory.
const DefaultCacheUsers = 1000

// Cache holds the latest graph per user, evicting least recently used users.
// Get never touches the network and returns expired graphs too; callers decide
// whether stale is good enough.
type Cache struct {
	graphs *lru.Cache[string, *models.EntityGraph]
	logger *slog.Logger
}

// NewCache creates a cache holding at most size users.
func NewCache(size int, logger *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheUsers
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{logger: logger}

	graphs, err := lru.NewWithEvict(size, func(userID string, g *models.EntityGraph) {
		c.logger.Debug("evicted user graph", "user_id", userID, "entities", g.Len())
	})
	if err != nil {
		return nil, fmt.Errorf("create graph cache: %w", err)
	}
	c.graphs = graphs
	return c, nil
}

// Get returns the last graph stored for userID.
func (c *Cache) Get(userID string) (*models.EntityGraph, bool) {
	return c.graphs.Get(userID)
}

// Put replaces the graph for userID.
func (c *Cache) Put(userID string, g *models.EntityGraph) {
	if g == nil {
		return
	}
	c.graphs.Add(userID, g)
}

// Invalidate drops the graph for userID.
func (c *Cache) Invalidate(userID string) {
	c.graphs.Remove(userID)
}

// Len returns the number of cached users.
func (c *Cache) Len() int {
	return c.graphs.Len()
}
