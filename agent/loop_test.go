package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
	"github.com/BaSui01/agentloop/types"
)

func newLoopEnv(t *testing.T, toolNames []string, rules []types.ToolRule, runs store.RunStore, turns ...providerTurn) (*Loop, *stepEnv) {
	t.Helper()
	env := newStepEnv(t, toolNames, rules, turns...)
	require.NoError(t, env.store.Put(context.Background(), env.state))
	summarizer := summarize.New(summarize.Config{Mode: summarize.TokenPressure, ContextWindow: 1 << 20},
		nil, env.store, nil, nil, nil)
	loop := NewLoop(env.exec, env.store, env.store, runs, summarizer, nil, LoopConfig{MaxSteps: 5}, nil)
	return loop, env
}

func TestLoop_GreetingEndToEnd(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{types.TerminalRule("send_message")}
	loop, env := newLoopEnv(t, []string{"send_message"}, rules, store.NewMemoryStore(),
		providerTurn{resp: toolCallResp("send_message", map[string]any{"message": "hi", "request_heartbeat": false})})

	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "Call send_message with 'hi'")},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StopReasonEndTurn, res.StopReason)
	assert.Equal(t, 1, res.Steps)
	require.Len(t, res.NewMessages, 3, "user + assistant tool call + tool return")
	assert.Equal(t, types.RoleUser, res.NewMessages[0].Role)
	assert.True(t, res.NewMessages[1].HasToolCall())
	assert.True(t, res.NewMessages[2].IsToolReturn())

	state, err := env.store.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, state.MessageIDs, 4, "system + three new messages")
	for i, m := range res.Messages {
		assert.Equal(t, state.MessageIDs[i], m.ID)
	}
}

func TestLoop_HeartbeatMessageInjectedBetweenSteps(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{types.ContinueRule("search"), types.TerminalRule("send_message")}
	loop, env := newLoopEnv(t, []string{"search", "send_message"}, rules, store.NewMemoryStore(),
		providerTurn{resp: toolCallResp("search", map[string]any{"query": "go", "request_heartbeat": false})},
		providerTurn{resp: toolCallResp("send_message", map[string]any{"message": "done", "request_heartbeat": false})},
	)

	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "find go docs and report back")},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, types.StopReasonEndTurn, res.StopReason)

	// The forced-continuation reason becomes the next turn's user content
	// and persists with that step's delta.
	require.Len(t, env.provider.requests, 2)
	last := env.provider.requests[1].Messages
	heartbeat := last[len(last)-1]
	assert.Equal(t, types.RoleUser, heartbeat.Role)
	assert.Contains(t, heartbeat.Text(), "search")

	var persistedHeartbeat bool
	for _, m := range res.NewMessages {
		if m.Role == types.RoleUser && m.Text() == heartbeat.Text() {
			persistedHeartbeat = true
		}
	}
	assert.True(t, persistedHeartbeat)
}

func TestLoop_MaxStepsOverridesContinuation(t *testing.T) {
	t.Parallel()

	turns := make([]providerTurn, 3)
	for i := range turns {
		turns[i] = providerTurn{resp: toolCallResp("work", map[string]any{"request_heartbeat": true})}
	}
	loop, _ := newLoopEnv(t, []string{"work"}, nil, store.NewMemoryStore(), turns...)

	res, err := loop.Run(context.Background(), &RunInput{
		AgentID:  "agent-1",
		Input:    []*types.Message{types.NewUserMessage("agent-1", "keep working")},
		MaxSteps: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, types.StopReasonMaxSteps, res.StopReason)
	assert.Equal(t, 3, res.Usage.StepCount, "usage aggregated field-wise")
	assert.Equal(t, 45, res.Usage.TotalTokens)
	assert.Equal(t, 30, res.Usage.PromptTokens)
	assert.Equal(t, 15, res.Usage.CompletionTokens)
}

func TestLoop_LLMFailureMarksRunFailed(t *testing.T) {
	t.Parallel()

	runs := store.NewMemoryStore()
	loop, env := newLoopEnv(t, nil, nil, runs,
		providerTurn{err: assert.AnError})

	sizeBefore, _ := env.store.Size(context.Background(), "agent-1")
	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "hello")},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StopReasonLLMAPIError, res.StopReason)
	sizeAfter, _ := env.store.Size(context.Background(), "agent-1")
	assert.Equal(t, sizeBefore, sizeAfter)

	state, err := env.store.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, state.MessageIDs, 1, "pointer list untouched after LLM failure")

	status, err := runs.GetStatus(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, status)
	assert.Equal(t, types.StopReasonLLMAPIError, runs.StopReason(res.RunID))
}

// cancellingRunStore reports the run as cancelled after a fixed number of
// between-step checks.
type cancellingRunStore struct {
	*store.MemoryStore
	afterChecks int
	checks      int
}

func (s *cancellingRunStore) GetStatus(ctx context.Context, runID string) (store.RunStatus, error) {
	s.checks++
	if s.checks > s.afterChecks {
		return store.RunStatusCancelled, nil
	}
	return s.MemoryStore.GetStatus(ctx, runID)
}

func TestLoop_CancelledBetweenSteps(t *testing.T) {
	t.Parallel()

	runs := &cancellingRunStore{MemoryStore: store.NewMemoryStore(), afterChecks: 1}
	turns := []providerTurn{
		{resp: toolCallResp("work", map[string]any{"request_heartbeat": true})},
		{resp: toolCallResp("work", map[string]any{"request_heartbeat": true})},
	}
	loop, _ := newLoopEnv(t, []string{"work"}, nil, runs, turns...)

	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "go")},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Steps, "step two never begins")
	assert.Equal(t, types.StopReasonCancelled, res.StopReason)
	assert.Equal(t, types.StopReasonCancelled, runs.MemoryStore.StopReason(res.RunID))
}

func TestLoop_ApprovalResumeKeepsStepNumbering(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{
		types.RequiresApprovalRule("deploy"),
		types.TerminalRule("send_message"),
	}
	runs := store.NewMemoryStore()
	loop, env := newLoopEnv(t, []string{"work", "deploy", "send_message"}, rules, runs,
		providerTurn{resp: toolCallResp("work", map[string]any{"request_heartbeat": true})},
		providerTurn{resp: toolCallResp("deploy", map[string]any{"env": "prod", "request_heartbeat": true})},
	)

	// One full step runs before the gated call, so the pause happens at
	// step index 1.
	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "prepare then ship")},
	})
	require.NoError(t, err)
	require.Equal(t, types.StopReasonRequiresApproval, res.StopReason)

	pendingMsg := res.NewMessages[len(res.NewMessages)-1]
	require.True(t, pendingMsg.HasToolCall())
	require.Equal(t, res.RunID+"-1-0", pendingMsg.OTID)

	env.provider.turns = append(env.provider.turns,
		providerTurn{resp: toolCallResp("send_message", map[string]any{"message": "shipped", "request_heartbeat": false})})

	resumed, err := loop.Run(context.Background(), &RunInput{
		AgentID:  "agent-1",
		RunID:    res.RunID,
		Approval: &ApprovalDecision{Approved: true, ToolCall: pendingMsg.ToolCall},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StopReasonEndTurn, resumed.StopReason)
	assert.Equal(t, 1, env.executed["deploy"])

	// The dispatched return pairs with the persisted pending call, and the
	// follow-up step numbers on from where the pause left off.
	ret := resumed.NewMessages[0]
	require.True(t, ret.IsToolReturn())
	assert.Equal(t, res.RunID+"-1-1", ret.OTID)
	assert.Equal(t, pendingMsg.StepID, ret.StepID)

	var followUp *types.Message
	for _, m := range resumed.NewMessages {
		if m.HasToolCall() {
			followUp = m
		}
	}
	require.NotNil(t, followUp)
	assert.Equal(t, res.RunID+"-2-0", followUp.OTID)

	seen := map[string]bool{}
	for _, m := range append(append([]*types.Message{}, res.NewMessages...), resumed.NewMessages...) {
		if m.OTID == "" {
			continue
		}
		assert.False(t, seen[m.OTID], "duplicate otid %s", m.OTID)
		seen[m.OTID] = true
	}
}

func TestLoop_ApprovalResumeReplaysCounters(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{
		types.RequiresApprovalRule("deploy"),
		types.MaxCountRule("deploy", 1),
	}
	runs := store.NewMemoryStore()
	loop, env := newLoopEnv(t, []string{"deploy"}, rules, runs,
		providerTurn{resp: toolCallResp("deploy", map[string]any{"env": "prod", "request_heartbeat": false})})

	// First run pauses awaiting approval.
	res, err := loop.Run(context.Background(), &RunInput{
		AgentID: "agent-1",
		Input:   []*types.Message{types.NewUserMessage("agent-1", "ship it")},
	})
	require.NoError(t, err)
	require.Equal(t, types.StopReasonRequiresApproval, res.StopReason)
	status, _ := runs.GetStatus(context.Background(), res.RunID)
	assert.Equal(t, store.RunStatusPaused, status)

	pending := res.NewMessages[len(res.NewMessages)-1].ToolCall
	require.NotNil(t, pending)

	// Resuming with an approval dispatches the held call.
	resumed, err := loop.Run(context.Background(), &RunInput{
		AgentID:  "agent-1",
		RunID:    res.RunID,
		Approval: &ApprovalDecision{Approved: true, ToolCall: pending},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StopReasonEndTurn, resumed.StopReason)
	assert.Equal(t, 1, env.executed["deploy"])
}
