package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// ErrNotFound is returned by a Store that has no graph for the user.
var ErrNotFound = errors.New("graph not found")

// Store persists graphs so a restarted process can serve the last known
// graph before its first refresh.
type Store interface {
	Load(ctx context.Context, userID string) (*models.EntityGraph, error)
	Save(ctx context.Context, g *models.EntityGraph) error
	Delete(ctx context.Context, userID string) error
}

const (
	graphKeyPrefix = "studyctx:graph:"
	// DefaultRetention keeps stored graphs well past their TTL so stale
	// data can still be served while a refresh runs.
	DefaultRetention = 7 * 24 * time.Hour
)

// RedisStore keeps encoded graphs in Redis, one key per user.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a redis-backed graph store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, userID string) (*models.EntityGraph, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return Decode(data)
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, g *models.EntityGraph) error {
	data, err := Encode(g)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(g.UserID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}

func (s *RedisStore) key(userID string) string {
	return graphKeyPrefix + userID
}
