package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

func TestMemoryStore_Messages(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	msgs := []*types.Message{
		types.NewSystemMessage("agent-1", "system"),
		types.NewUserMessage("agent-1", "hello"),
		types.NewUserMessage("agent-2", "other agent"),
	}
	created, err := s.CreateMany(ctx, msgs)
	require.NoError(t, err)
	for _, m := range created {
		assert.NotEmpty(t, m.ID)
	}

	got, err := s.GetMany(ctx, []string{created[1].ID, created[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text(), "order of ids preserved")
	assert.Equal(t, "system", got[1].Text())

	_, err = s.GetMany(ctx, []string{"missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	listed, err := s.ListByAgent(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, created[0].ID, listed[0].ID, "creation order")

	afterFirst, err := s.ListByAgent(ctx, "agent-1", created[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, afterFirst, 1)
	assert.Equal(t, created[1].ID, afterFirst[0].ID)

	n, err := s.Size(ctx, "agent-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryStore_UpdateContent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateMany(ctx, []*types.Message{types.NewSystemMessage("a", "old")})
	require.NoError(t, err)

	newContent := []types.ContentPart{{Type: types.PartText, Text: "new"}}
	require.NoError(t, s.UpdateContent(ctx, created[0].ID, newContent))

	got, err := s.GetMany(ctx, []string{created[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "new", got[0].Text())

	assert.ErrorIs(t, s.UpdateContent(ctx, "missing", newContent), ErrNotFound)
}

func TestMemoryStore_Agents(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	state := &types.AgentState{
		ID:         "agent-1",
		MessageIDs: []string{"m1", "m2"},
	}
	require.NoError(t, s.Put(ctx, state))

	got, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, got.MessageIDs)

	// Mutating the returned copy must not leak back into the store.
	got.MessageIDs[0] = "mutated"
	again, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", again.MessageIDs[0])

	require.NoError(t, s.UpdateMessageIDs(ctx, "agent-1", []string{"m1", "m2", "m3"}))
	again, err = s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, again.MessageIDs, 3)

	assert.ErrorIs(t, s.UpdateMessageIDs(ctx, "missing", nil), ErrNotFound)
}

func TestMemoryStore_Runs(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "run-1", "agent-1"))

	status, err := s.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCreated, status)

	require.NoError(t, s.UpdateStatus(ctx, "run-1", RunStatusCompleted, types.StopReasonEndTurn))
	status, err = s.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, status)
	assert.Equal(t, types.StopReasonEndTurn, s.StopReason("run-1"))

	_, err = s.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", RunStatusFailed, ""), ErrNotFound)
}
