package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

const (
	conversationKeyPrefix = "studyctx:conversation:"
	userIndexPrefix       = "studyctx:user-conversations:"
	// DefaultRedisTTL expires idle conversations.
	DefaultRedisTTL = 24 * time.Hour
)

// RedisStore keeps conversations as JSON documents with a sliding TTL and a
// per-user sorted set for listing.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed conversation store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Load implements Store. Reading refreshes the TTL.
func (s *RedisStore) Load(ctx context.Context, id string) (models.ConversationState, error) {
	key := conversationKeyPrefix + id
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ConversationState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("load conversation: %w", err)
	}

	var state models.ConversationState
	if err := json.Unmarshal(val, &state); err != nil {
		return models.ConversationState{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}

	// A failed refresh only shortens the lifetime.
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return state, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, state models.ConversationState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, conversationKeyPrefix+state.ID, val, s.ttl)
		if state.UserID != "" {
			idx := userIndexPrefix + state.UserID
			pipe.ZAdd(ctx, idx, redis.Z{Score: float64(time.Now().UnixMilli()), Member: state.ID})
			pipe.Expire(ctx, idx, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	key := conversationKeyPrefix + id
	state, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if state.UserID != "" {
			pipe.ZRem(ctx, userIndexPrefix+state.UserID, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// List implements Store. Index entries whose conversation expired are skipped.
func (s *RedisStore) List(ctx context.Context, userID string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, userIndexPrefix+userID, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, conversationKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if exists[i].Val() == 1 {
			out = append(out, id)
		}
	}
	return out, nil
}
