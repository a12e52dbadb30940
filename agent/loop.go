package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
	"github.com/BaSui01/agentloop/toolrule"
	"github.com/BaSui01/agentloop/types"
)

// LoopConfig tunes a multi-step run.
type LoopConfig struct {
	// MaxSteps bounds the number of step executions per run.
	MaxSteps int `yaml:"max_steps" json:"max_steps" env:"MAX_STEPS"`
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	return c
}

// RunInput starts (or resumes) one run.
type RunInput struct {
	AgentID string
	RunID   string
	// Input holds the newly submitted, not-yet-persisted user messages.
	Input []*types.Message
	// Approval resumes a run paused with requires_approval.
	Approval *ApprovalDecision
	// MaxSteps overrides the loop default when positive.
	MaxSteps int
}

// RunResult aggregates a finished (or paused) run.
type RunResult struct {
	RunID       string
	StopReason  types.StopReason
	Usage       types.TokenUsage
	Messages    []*types.Message
	NewMessages []*types.Message
	Steps       int
}

// Loop drives up to MaxSteps step executions for one agent, threading the
// growing context and aggregating usage. One Loop instance may serve many
// runs; per-run state (the rule solver, counters) is constructed fresh in
// Run.
type Loop struct {
	step       *StepExecutor
	agents     store.AgentStore
	messages   store.MessageStore
	runs       store.RunStore
	summarizer *summarize.Summarizer
	metrics    *metrics.Metrics
	cfg        LoopConfig
	logger     *zap.Logger
}

// NewLoop wires the run loop. runs and metrics may be nil; without a run
// store there is no between-steps cancellation check.
func NewLoop(step *StepExecutor, agents store.AgentStore, messages store.MessageStore, runs store.RunStore, summarizer *summarize.Summarizer, m *metrics.Metrics, cfg LoopConfig, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Loop{
		step:       step,
		agents:     agents,
		messages:   messages,
		runs:       runs,
		summarizer: summarizer,
		metrics:    m,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("component", "agent_loop")),
	}
}

// Run executes one bounded multi-step run.
func (l *Loop) Run(ctx context.Context, in *RunInput) (*RunResult, error) {
	runID := in.RunID
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	logger := l.logger.With(zap.String("agent_id", in.AgentID), zap.String("run_id", runID))

	state, err := l.agents.Get(ctx, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", in.AgentID, err)
	}
	msgs, err := l.messages.GetMany(ctx, state.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("load in-context messages: %w", err)
	}

	if l.runs != nil {
		if in.RunID == "" {
			if err := l.runs.Create(ctx, runID, in.AgentID); err != nil {
				return nil, fmt.Errorf("create run record: %w", err)
			}
		}
		if err := l.runs.UpdateStatus(ctx, runID, store.RunStatusRunning, ""); err != nil {
			return nil, fmt.Errorf("mark run running: %w", err)
		}
	}

	graph, err := toolrule.NewGraph(state.ToolRules, state.ToolNames(), toolrule.ModeLenient)
	if err != nil {
		return nil, fmt.Errorf("build tool rule graph: %w", err)
	}
	solver := toolrule.NewSolver(graph, logger)
	// A resumed run replays its own persisted history so call counters match
	// the state the pausing step left behind. Step otids embed the run id,
	// which scopes the replay to this run; the trailing pending call is
	// excluded because it registers when the approval dispatches it. The
	// resumed step inherits the pausing step's otid base and step id so the
	// tool-return pairs with the persisted call, and later steps keep
	// numbering from there.
	stepOffset := 0
	resumeStepID := ""
	if in.Approval != nil {
		history := RunMessages(msgs, runID)
		if n := len(history); n > 0 && history[n-1].HasToolCall() {
			pending := history[n-1]
			if idx, ok := StepIndexFromOTID(pending.OTID, runID); ok {
				stepOffset = idx
			}
			resumeStepID = pending.StepID
			history = history[:n-1]
		}
		solver.ReplayCalls(history)
	}

	maxSteps := l.cfg.MaxSteps
	if in.MaxSteps > 0 {
		maxSteps = in.MaxSteps
	}

	result := &RunResult{RunID: runID, Messages: msgs}
	initial := in.Input
	approval := in.Approval

	for stepIndex := 0; stepIndex < maxSteps; stepIndex++ {
		if cancelled, err := l.runCancelled(ctx, runID); err != nil {
			return nil, err
		} else if cancelled {
			result.StopReason = types.StopReasonCancelled
			logger.Info("run cancelled between steps", zap.Int("step_index", stepIndex))
			return result, l.finalize(ctx, state, result)
		}

		stepID := types.NewStepID()
		if approval != nil && resumeStepID != "" {
			stepID = resumeStepID
		}
		stepRes, err := l.step.Execute(ctx, &StepInput{
			State:           state,
			Solver:          solver,
			Messages:        result.Messages,
			InitialMessages: initial,
			RemainingTurns:  maxSteps - stepIndex - 1,
			StepID:          stepID,
			OTID:            StepOTID(runID, stepOffset+stepIndex),
			Approval:        approval,
		})
		if err != nil {
			if ferr := l.finalize(ctx, state, result); ferr != nil {
				logger.Warn("finalize after step failure", zap.Error(ferr))
			}
			return nil, fmt.Errorf("step %d: %w", stepIndex, err)
		}
		approval = nil

		result.Steps++
		result.Usage.Add(stepRes.Usage)
		result.StopReason = stepRes.StopReason
		result.Messages = stepRes.UpdatedMessages
		result.NewMessages = append(result.NewMessages, stepRes.ResponseMessages...)

		if !stepRes.ShouldContinue {
			break
		}

		initial = nil
		if stepRes.HeartbeatReason != "" {
			initial = []*types.Message{types.NewUserMessage(state.ID, stepRes.HeartbeatReason)}
		}

		// Token-pressure summarization between steps, partial eviction only.
		if l.summarizer != nil {
			if sr := l.summarizer.Summarize(ctx, result.Messages, nil, false, false); sr.DidSummarize {
				result.Messages = sr.UpdatedMessages
				l.metrics.ObserveSummarization()
			}
		}
	}

	if result.StopReason == "" {
		result.StopReason = types.StopReasonMaxSteps
	}
	logger.Info("run finished",
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("steps", result.Steps),
		zap.Int("total_tokens", result.Usage.TotalTokens),
	)
	return result, l.finalize(ctx, state, result)
}

// StepOTID derives the base origin-transaction id for one step of a run.
// Deterministic so a replayed workflow produces the same ids.
func StepOTID(runID string, stepIndex int) string {
	return fmt.Sprintf("%s-%d", runID, stepIndex)
}

// StepIndexFromOTID recovers the step index encoded in a run-scoped otid,
// ignoring the trailing sub-message digit. A resume derives where the run's
// numbering left off from the pending call's otid.
func StepIndexFromOTID(otid, runID string) (int, bool) {
	rest, ok := strings.CutPrefix(otid, runID+"-")
	if !ok {
		return 0, false
	}
	if i := strings.LastIndex(rest, "-"); i >= 0 {
		rest = rest[:i]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// RunMessages filters msgs down to the ones produced by the given run,
// matching on the run-scoped otid prefix.
func RunMessages(msgs []*types.Message, runID string) []*types.Message {
	var out []*types.Message
	for _, m := range msgs {
		if m.OTID != "" && strings.HasPrefix(m.OTID, runID+"-") {
			out = append(out, m)
		}
	}
	return out
}

// runCancelled checks the run record between steps.
func (l *Loop) runCancelled(ctx context.Context, runID string) (bool, error) {
	if l.runs == nil {
		return false, nil
	}
	status, err := l.runs.GetStatus(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return status == store.RunStatusCancelled, nil
}

// finalize persists the agent's message_ids pointer update and the run
// record's terminal status.
func (l *Loop) finalize(ctx context.Context, state *types.AgentState, result *RunResult) error {
	// An LLM-failure stop persisted nothing, so the pointer list must stay
	// exactly as it was; rewriting it would reference unpersisted input.
	if !result.StopReason.IsError() {
		ids := make([]string, 0, len(result.Messages))
		for _, m := range result.Messages {
			ids = append(ids, m.ID)
		}
		if err := l.agents.UpdateMessageIDs(ctx, state.ID, ids); err != nil {
			return fmt.Errorf("update message ids: %w", err)
		}
	}
	if l.runs == nil {
		return nil
	}
	status := store.RunStatusCompleted
	switch {
	case result.StopReason == types.StopReasonCancelled:
		status = store.RunStatusCancelled
	case result.StopReason == types.StopReasonRequiresApproval:
		status = store.RunStatusPaused
	case result.StopReason.IsError():
		status = store.RunStatusFailed
	}
	if err := l.runs.UpdateStatus(ctx, result.RunID, status, result.StopReason); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}
