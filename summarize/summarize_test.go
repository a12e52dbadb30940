package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/types"
)

// conversation builds system + user + n tool-call/tool-return step pairs.
func conversation(agentID string, steps int) []*types.Message {
	msgs := []*types.Message{
		types.NewSystemMessage(agentID, "you are a helpful agent"),
		types.NewUserMessage(agentID, "hello there"),
	}
	for i := 0; i < steps; i++ {
		call := types.NewMessage(agentID, types.RoleAssistant, fmt.Sprintf("thinking about step %d", i))
		call.ToolCall = &types.ToolCall{ID: fmt.Sprintf("call-%d", i), Name: "send_message"}
		ret := &types.Message{
			ID:         types.NewMessageID(),
			AgentID:    agentID,
			Role:       types.RoleTool,
			ToolCallID: call.ToolCall.ID,
			ToolName:   "send_message",
			ToolReturn: &types.ToolReturn{Success: true, Value: strings.Repeat("result ", 20)},
		}
		msgs = append(msgs, call, ret)
	}
	return msgs
}

func TestSummarize_NoPressureIsIdentity(t *testing.T) {
	t.Parallel()

	s := New(Config{Mode: TokenPressure, ContextWindow: 1 << 20}, nil, nil, nil, nil, nil)
	msgs := conversation("a", 5)

	res := s.Summarize(context.Background(), msgs[:6], msgs[6:], false, false)
	assert.False(t, res.DidSummarize)
	assert.Equal(t, msgs, res.UpdatedMessages, "within budget returns input unchanged")
	assert.LessOrEqual(t, len(res.UpdatedMessages), len(msgs))
}

func TestSummarize_ClearDropsAllNonSystem(t *testing.T) {
	t.Parallel()

	s := New(Config{Mode: TokenPressure, ContextWindow: 1 << 20}, nil, nil, nil, nil, nil)
	msgs := conversation("a", 4)

	res := s.Summarize(context.Background(), msgs, nil, true, true)
	assert.True(t, res.DidSummarize)
	require.Len(t, res.UpdatedMessages, 1)
	assert.Equal(t, types.RoleSystem, res.UpdatedMessages[0].Role)
}

func TestSummarize_TokenPressureEvictsOldest(t *testing.T) {
	t.Parallel()

	s := New(Config{
		Mode:                TokenPressure,
		ContextWindow:       200,
		TargetPressureRatio: 0.5,
		KeepLastNMessages:   2,
	}, nil, nil, nil, nil, nil)
	msgs := conversation("a", 10)

	res := s.Summarize(context.Background(), msgs, nil, false, false)
	require.True(t, res.DidSummarize)
	assert.Less(t, len(res.UpdatedMessages), len(msgs))
	assert.Equal(t, types.RoleSystem, res.UpdatedMessages[0].Role, "system always retained")
	assertNoSplitPairs(t, res.UpdatedMessages)

	// The keep-last floor guarantees the trailing pair survives.
	tail := msgs[len(msgs)-2:]
	got := res.UpdatedMessages[len(res.UpdatedMessages)-2:]
	assert.Equal(t, tail[0].ID, got[0].ID)
	assert.Equal(t, tail[1].ID, got[1].ID)
}

func TestSummarize_EvictAllWalksToEnd(t *testing.T) {
	t.Parallel()

	s := New(Config{
		Mode:                TokenPressure,
		ContextWindow:       200,
		TargetPressureRatio: 0.5,
		EvictAllMessages:    true,
		KeepLastNMessages:   4,
	}, nil, nil, nil, nil, nil)
	msgs := conversation("a", 10)

	res := s.Summarize(context.Background(), msgs, nil, true, false)
	require.True(t, res.DidSummarize)
	// Everything except system plus the keep-last floor goes.
	assert.LessOrEqual(t, len(res.UpdatedMessages), 1+4)
	assertNoSplitPairs(t, res.UpdatedMessages)
}

func TestSummarize_StaticBufferCutsAtUserBoundary(t *testing.T) {
	t.Parallel()

	agentID := "a"
	msgs := []*types.Message{types.NewSystemMessage(agentID, "sys")}
	for i := 0; i < 8; i++ {
		msgs = append(msgs, types.NewUserMessage(agentID, fmt.Sprintf("turn %d", i)))
		msgs = append(msgs, types.NewMessage(agentID, types.RoleAssistant, fmt.Sprintf("reply %d", i)))
	}

	s := New(Config{
		Mode:               StaticBuffer,
		MessageBufferLimit: 10,
		MessageBufferMin:   4,
	}, nil, nil, nil, nil, nil)

	res := s.Summarize(context.Background(), msgs, nil, false, false)
	require.True(t, res.DidSummarize)
	assert.Equal(t, types.RoleSystem, res.UpdatedMessages[0].Role)
	assert.Equal(t, types.RoleUser, res.UpdatedMessages[1].Role, "cut lands on a user turn")
	assert.LessOrEqual(t, len(res.UpdatedMessages), len(msgs))
}

type fakeCompressor struct {
	text string
	err  error
}

func (f *fakeCompressor) Compress(_ context.Context, _ []*types.Message) (string, error) {
	return f.text, f.err
}

func TestSummarize_SummaryMessageInsertedAndPersisted(t *testing.T) {
	t.Parallel()

	ms := store.NewMemoryStore()
	s := New(Config{
		Mode:                TokenPressure,
		ContextWindow:       200,
		TargetPressureRatio: 0.5,
	}, nil, ms, &fakeCompressor{text: "they talked about results"}, nil, nil)
	msgs := conversation("a", 10)

	res := s.Summarize(context.Background(), msgs, nil, false, false)
	require.True(t, res.DidSummarize)
	summary := res.UpdatedMessages[1]
	assert.Equal(t, types.RoleUser, summary.Role)
	assert.Contains(t, summary.Text(), "they talked about results")

	persisted, err := ms.GetMany(context.Background(), []string{summary.ID})
	require.NoError(t, err)
	assert.Equal(t, summary.Text(), persisted[0].Text())
}

func TestSummarize_CompressorFailureDegradesToEviction(t *testing.T) {
	t.Parallel()

	s := New(Config{
		Mode:                TokenPressure,
		ContextWindow:       200,
		TargetPressureRatio: 0.5,
	}, nil, nil, &fakeCompressor{err: errors.New("model unavailable")}, nil, nil)
	msgs := conversation("a", 10)

	res := s.Summarize(context.Background(), msgs, nil, false, false)
	require.True(t, res.DidSummarize, "eviction still happens")
	for _, m := range res.UpdatedMessages[1:] {
		assert.NotContains(t, m.Text(), "Summary of")
	}
}

func TestRecallWorker(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got [][]*types.Message
	w := NewRecallWorker(func(_ context.Context, batch []*types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch)
		return nil
	}, 4, nil)
	w.Start(context.Background())

	w.Enqueue(conversation("a", 1))
	w.Enqueue(nil) // ignored

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestRecallWorker_DropsWhenFull(t *testing.T) {
	t.Parallel()

	// Never started, so the queue of depth 1 fills after one batch.
	w := NewRecallWorker(func(_ context.Context, _ []*types.Message) error { return nil }, 1, nil)
	w.Enqueue(conversation("a", 1))
	w.Enqueue(conversation("a", 2)) // dropped, must not block
}

// assertNoSplitPairs checks every retained tool-return has its call retained
// immediately before it.
func assertNoSplitPairs(t *testing.T, msgs []*types.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.IsToolReturn() {
			require.Greater(t, i, 0, "tool return cannot lead the list")
			prev := msgs[i-1]
			require.True(t, prev.HasToolCall(), "tool return %d orphaned", i)
			assert.Equal(t, prev.ToolCall.ID, m.ToolCallID)
		}
		if m.HasToolCall() && i < len(msgs)-1 {
			assert.True(t, msgs[i+1].IsToolReturn(), "tool call %d missing its return", i)
		}
	}
}
