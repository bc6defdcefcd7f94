package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// ErrNotFound is returned when a conversation does not exist in a Store.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversation state between requests and restarts.
type Store interface {
	Load(ctx context.Context, id string) (models.ConversationState, error)
	Save(ctx context.Context, state models.ConversationState) error
	Delete(ctx context.Context, id string) error
	// List returns a user's conversation ids, most recently saved first.
	List(ctx context.Context, userID string, limit int) ([]string, error)
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]memoryEntry
}

type memoryEntry struct {
	state   models.ConversationState
	savedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]memoryEntry)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.states[id]
	if !ok {
		return models.ConversationState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneState(e.state), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = memoryEntry{state: cloneState(state), savedAt: time.Now()}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []memoryEntry
	for _, e := range s.states {
		if e.state.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].savedAt.Equal(entries[j].savedAt) {
			return entries[i].savedAt.After(entries[j].savedAt)
		}
		return entries[i].state.ID < entries[j].state.ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.state.ID
	}
	return ids, nil
}

func cloneState(s models.ConversationState) models.ConversationState {
	s.Turns = append([]models.Turn(nil), s.Turns...)
	return s
}
