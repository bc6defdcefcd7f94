package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

func sampleState(id, userID string) models.ConversationState {
	sess := NewSession(id, userID, testLimits)
	sess.Append(models.RoleUser, "what is due this week?")
	sess.Append(models.RoleAssistant, "Assignment 2 for COS10009.")
	sess.installSummary("asked about deadlines", 1)
	return sess.State()
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	state := sampleState("c1", "u1")
	require.NoError(t, store.Save(ctx, state))

	back, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, state, back)

	back.Turns[0].Content = "mutated"
	again, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "what is due this week?", again.Turns[0].Content)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "c1"))
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.Save(ctx, sampleState(id, "u1")))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, store.Save(ctx, sampleState("other", "u2")))

	ids, err := store.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c2", "c1"}, ids)

	ids, err = store.List(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c2"}, ids)

	ids, err = store.List(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
