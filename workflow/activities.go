package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
	"github.com/BaSui01/agentloop/tools"
	"github.com/BaSui01/agentloop/types"
)

// Activities is the effectful side of the durable-workflow split. Each
// method is a separately retryable unit of work; the controller itself never
// touches the clock, randomness or I/O.
type Activities interface {
	// LoadContext fetches the agent state and its in-context messages.
	LoadContext(ctx context.Context, agentID string) (*types.AgentState, []*types.Message, error)

	// LLMRequest issues one adapter call.
	LLMRequest(ctx context.Context, state *types.AgentState, msgs []*types.Message, allowed []string, forceTool string) (*llm.ChatResponse, error)

	// SummarizeContext trims the in-context list.
	SummarizeContext(ctx context.Context, msgs []*types.Message, force, clear bool) ([]*types.Message, bool, error)

	// DispatchTool executes one tool call and returns its tool-return.
	DispatchTool(ctx context.Context, state *types.AgentState, call *types.ToolCall, args map[string]any, stepID string) (*types.ToolReturn, error)

	// PersistMessages writes a step's delta, assigning ids and timestamps.
	PersistMessages(ctx context.Context, msgs []*types.Message) ([]*types.Message, error)

	// RunCancelled reports whether the run was cancelled between steps.
	RunCancelled(ctx context.Context, runID string) (bool, error)

	// FinalizeRun persists the message-id pointer update and the run
	// record's terminal status.
	FinalizeRun(ctx context.Context, agentID, runID string, messageIDs []string, stopReason types.StopReason) error
}

// StoreActivities implements Activities over the runtime's collaborators.
type StoreActivities struct {
	provider   llm.Provider
	executor   tools.Executor
	messages   store.MessageStore
	agents     store.AgentStore
	runs       store.RunStore
	summarizer *summarize.Summarizer
	llmTimeout time.Duration
	logger     *zap.Logger
}

// NewStoreActivities wires the default activity implementations. runs may be
// nil, which disables the cancellation check.
func NewStoreActivities(provider llm.Provider, executor tools.Executor, messages store.MessageStore, agents store.AgentStore, runs store.RunStore, summarizer *summarize.Summarizer, llmTimeout time.Duration, logger *zap.Logger) *StoreActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	if llmTimeout <= 0 {
		llmTimeout = 60 * time.Second
	}
	return &StoreActivities{
		provider:   provider,
		executor:   executor,
		messages:   messages,
		agents:     agents,
		runs:       runs,
		summarizer: summarizer,
		llmTimeout: llmTimeout,
		logger:     logger.With(zap.String("component", "workflow_activities")),
	}
}

func (a *StoreActivities) LoadContext(ctx context.Context, agentID string) (*types.AgentState, []*types.Message, error) {
	state, err := a.agents.Get(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	msgs, err := a.messages.GetMany(ctx, state.MessageIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load in-context messages: %w", err)
	}
	return state, msgs, nil
}

func (a *StoreActivities) LLMRequest(ctx context.Context, state *types.AgentState, msgs []*types.Message, allowed []string, forceTool string) (*llm.ChatResponse, error) {
	schemas := make([]types.ToolSchema, 0, len(allowed))
	for _, name := range allowed {
		if def, ok := state.ToolByName(name); ok {
			schemas = append(schemas, def.Schema)
		}
	}
	return a.provider.Completion(ctx, &llm.ChatRequest{
		Model:       state.LLMConfig.Model,
		Messages:    msgs,
		Tools:       schemas,
		ForceTool:   forceTool,
		MaxTokens:   state.LLMConfig.MaxTokens,
		Temperature: state.LLMConfig.Temperature,
		Timeout:     a.llmTimeout,
	})
}

func (a *StoreActivities) SummarizeContext(ctx context.Context, msgs []*types.Message, force, clear bool) ([]*types.Message, bool, error) {
	res := a.summarizer.Summarize(ctx, msgs, nil, force, clear)
	return res.UpdatedMessages, res.DidSummarize, nil
}

func (a *StoreActivities) DispatchTool(ctx context.Context, state *types.AgentState, call *types.ToolCall, args map[string]any, stepID string) (*types.ToolReturn, error) {
	result := a.executor.Execute(ctx, *call, args, stepID)
	value := result.Value
	if def, ok := state.ToolByName(call.Name); ok && def.ReturnCharLimit > 0 {
		value = tools.TruncateReturn(call.Name, value, def.ReturnCharLimit)
	}
	return &types.ToolReturn{
		Success: result.Success,
		Value:   value,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}, nil
}

func (a *StoreActivities) PersistMessages(ctx context.Context, msgs []*types.Message) ([]*types.Message, error) {
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
	}
	return a.messages.CreateMany(ctx, msgs)
}

func (a *StoreActivities) RunCancelled(ctx context.Context, runID string) (bool, error) {
	if a.runs == nil {
		return false, nil
	}
	status, err := a.runs.GetStatus(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return status == store.RunStatusCancelled, nil
}

func (a *StoreActivities) FinalizeRun(ctx context.Context, agentID, runID string, messageIDs []string, stopReason types.StopReason) error {
	if messageIDs != nil {
		if err := a.agents.UpdateMessageIDs(ctx, agentID, messageIDs); err != nil {
			return fmt.Errorf("update message ids: %w", err)
		}
	}
	if a.runs == nil {
		return nil
	}
	status := store.RunStatusCompleted
	switch {
	case stopReason == types.StopReasonCancelled:
		status = store.RunStatusCancelled
	case stopReason == types.StopReasonRequiresApproval:
		status = store.RunStatusPaused
	case stopReason.IsError():
		status = store.RunStatusFailed
	}
	if err := a.runs.UpdateStatus(ctx, runID, status, stopReason); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}
