package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/db"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// SurrealStore keeps conversations in SurrealDB.
type SurrealStore struct {
	client *db.Client
}

// NewSurrealStore wraps a connected client. Call client.InitSchema first.
func NewSurrealStore(client *db.Client) *SurrealStore {
	return &SurrealStore{client: client}
}

// Load implements Store.
func (s *SurrealStore) Load(ctx context.Context, id string) (models.ConversationState, error) {
	state, err := s.client.QueryGetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return models.ConversationState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state, err
}

// Save implements Store.
func (s *SurrealStore) Save(ctx context.Context, state models.ConversationState) error {
	return s.client.QuerySaveConversation(ctx, state)
}

// Delete implements Store.
func (s *SurrealStore) Delete(ctx context.Context, id string) error {
	return s.client.QueryDeleteConversation(ctx, id)
}

// List implements Store.
func (s *SurrealStore) List(ctx context.Context, userID string, limit int) ([]string, error) {
	return s.client.QueryListConversations(ctx, userID, limit)
}
