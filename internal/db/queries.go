package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// conversationRow is the stored shape of a conversation.
type conversationRow struct {
	ID               surrealmodels.RecordID `json:"id"`
	UserID           string                 `json:"user_id"`
	Turns            []models.Turn          `json:"turns"`
	Summary          string                 `json:"summary"`
	SummaryTurnCount int                    `json:"summary_turn_count"`
	LastSummarizedAt int64                  `json:"last_summarized_at"`
	TotalAppended    int64                  `json:"total_appended"`
	Updated          time.Time              `json:"updated"`
}

func (r conversationRow) state() (models.ConversationState, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("conversation id: %w", err)
	}
	turns := r.Turns
	if turns == nil {
		turns = []models.Turn{}
	}
	return models.ConversationState{
		ID:               id,
		UserID:           r.UserID,
		Turns:            turns,
		Summary:          r.Summary,
		SummaryTurnCount: r.SummaryTurnCount,
		LastSummarizedAt: r.LastSummarizedAt,
		TotalAppended:    r.TotalAppended,
	}, nil
}

// QueryGetConversation loads a conversation by id. It returns ErrNotFound when absent.
func (c *Client) QueryGetConversation(ctx context.Context, id string) (state models.ConversationState, err error) {
	defer func(start time.Time) { c.timed(start, err) }(time.Now())

	results, err := surrealdb.Query[[]conversationRow](ctx, c.db, `
		SELECT * FROM type::record("conversation", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("get conversation: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return models.ConversationState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return (*results)[0].Result[0].state()
}

// QuerySaveConversation writes the full conversation state, creating the record if needed.
func (c *Client) QuerySaveConversation(ctx context.Context, state models.ConversationState) (err error) {
	defer func(start time.Time) { c.timed(start, err) }(time.Now())

	turns := state.Turns
	if turns == nil {
		turns = []models.Turn{}
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("conversation", $id) SET
			user_id = $user_id,
			turns = $turns,
			summary = $summary,
			summary_turn_count = $summary_turn_count,
			last_summarized_at = $last_summarized_at,
			total_appended = $total_appended,
			updated = time::now(),
			created = IF created THEN created ELSE time::now() END
	`, map[string]any{
		"id":                 state.ID,
		"user_id":            state.UserID,
		"turns":              turns,
		"summary":            state.Summary,
		"summary_turn_count": state.SummaryTurnCount,
		"last_summarized_at": state.LastSummarizedAt,
		"total_appended":     state.TotalAppended,
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", wrapQueryError(err))
	}
	return nil
}

// QueryDeleteConversation removes a conversation. Deleting a missing record is not an error.
func (c *Client) QueryDeleteConversation(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { c.timed(start, err) }(time.Now())

	_, err = surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("conversation", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", wrapQueryError(err))
	}
	return nil
}

// QueryListConversations returns the ids of a user's conversations, most recently updated first.
func (c *Client) QueryListConversations(ctx context.Context, userID string, limit int) (ids []string, err error) {
	defer func(start time.Time) { c.timed(start, err) }(time.Now())

	results, err := surrealdb.Query[[]conversationRow](ctx, c.db, `
		SELECT id, updated FROM conversation
		WHERE user_id = $user_id
		ORDER BY updated DESC
		LIMIT $limit
	`, map[string]any{"user_id": userID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []string{}, nil
	}
	ids = make([]string, 0, len((*results)[0].Result))
	for _, row := range (*results)[0].Result {
		if id, err := models.RecordIDString(row.ID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
