// Package workflow runs the same logical step state machine as the agent
// loop, split for durable execution: a deterministic controller makes every
// decision from in-memory values while all I/O happens inside retryable
// activities. The controller reads no clock and draws no randomness, so a
// replayed execution takes the same path; solver counters are re-derived
// from persisted history at every step instead of trusting state that may
// not have survived a retry.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/toolrule"
	"github.com/BaSui01/agentloop/types"
)

// Config tunes the workflow controller.
type Config struct {
	MaxSteps            int `yaml:"max_steps" json:"max_steps"`
	MaxSummarizeRetries int `yaml:"max_summarize_retries" json:"max_summarize_retries"`
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.MaxSummarizeRetries <= 0 {
		c.MaxSummarizeRetries = 3
	}
	return c
}

// RunInput starts one workflow run. RunID must be stable across retries; it
// seeds the deterministic step and otid derivation.
type RunInput struct {
	AgentID string
	RunID   string
	Input   []*types.Message
	// Approval resumes a run paused with requires_approval.
	Approval *agent.ApprovalDecision
}

// RunResult aggregates a finished workflow run.
type RunResult struct {
	RunID       string
	StopReason  types.StopReason
	Usage       types.TokenUsage
	MessageIDs  []string
	NewMessages []*types.Message
	Steps       int
}

// Controller orchestrates activities into a bounded multi-step run.
type Controller struct {
	acts   Activities
	cfg    Config
	logger *zap.Logger
}

// NewController wires a workflow controller.
func NewController(acts Activities, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		acts:   acts,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "workflow_controller")),
	}
}

// Execute drives the run to completion.
func (c *Controller) Execute(ctx context.Context, in *RunInput) (*RunResult, error) {
	if in.RunID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "workflow run requires a stable run id")
	}
	logger := c.logger.With(zap.String("agent_id", in.AgentID), zap.String("run_id", in.RunID))

	state, msgs, err := c.acts.LoadContext(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	graph, err := toolrule.NewGraph(state.ToolRules, state.ToolNames(), toolrule.ModeLenient)
	if err != nil {
		return nil, fmt.Errorf("build tool rule graph: %w", err)
	}

	result := &RunResult{RunID: in.RunID, Steps: 0}
	initial := in.Input
	available := state.ToolNames()
	approval := in.Approval

	// A resume picks up the pausing step's otid base and step id from the
	// persisted pending call; later steps keep numbering from there.
	stepOffset := 0
	var pending *types.Message
	if approval != nil {
		history := agent.RunMessages(msgs, in.RunID)
		if n := len(history); n > 0 && history[n-1].HasToolCall() {
			pending = history[n-1]
			if idx, ok := agent.StepIndexFromOTID(pending.OTID, in.RunID); ok {
				stepOffset = idx
			}
		}
	}

	for stepIndex := 0; stepIndex < c.cfg.MaxSteps; stepIndex++ {
		if cancelled, err := c.acts.RunCancelled(ctx, in.RunID); err != nil {
			return nil, err
		} else if cancelled {
			result.StopReason = types.StopReasonCancelled
			return c.finish(ctx, in.AgentID, state, msgs, result)
		}

		// Counters come from history, never from prior-iteration memory:
		// a retried step sees the same state a fresh replay would. A pending
		// call awaiting its decision has not executed and is excluded.
		solver := toolrule.NewSolver(graph, logger)
		replay := agent.RunMessages(msgs, in.RunID)
		if approval != nil {
			if n := len(replay); n > 0 && replay[n-1].HasToolCall() {
				replay = replay[:n-1]
			}
		}
		solver.ReplayCalls(replay)

		if approval != nil {
			decision, persisted, failStop, err := c.resolveApproval(ctx, state, solver, approval, pending,
				initial, c.cfg.MaxSteps-stepIndex-1, available)
			if err != nil {
				return nil, err
			}
			if failStop != "" {
				result.StopReason = failStop
				return result, c.acts.FinalizeRun(ctx, in.AgentID, in.RunID, nil, failStop)
			}
			approval = nil
			result.Steps++
			msgs = append(msgs, persisted...)
			result.NewMessages = append(result.NewMessages, persisted...)
			result.StopReason = decision.StopReason
			if !decision.ShouldContinue {
				break
			}
			initial = nil
			if decision.HeartbeatReason != "" {
				initial = []*types.Message{{
					AgentID: state.ID,
					Role:    types.RoleUser,
					Content: []types.ContentPart{types.TextPart(decision.HeartbeatReason)},
				}}
			}
			continue
		}

		allowed, err := solver.GetAllowedToolNames(available, agent.LastToolResponse(msgs), false)
		if err != nil {
			return nil, err
		}
		forceTool := ""
		if len(allowed) == 1 {
			forceTool = allowed[0]
		}

		resp, retryMsgs, stop := c.request(ctx, state, msgs, initial, allowed, forceTool)
		msgs = retryMsgs
		if stop != "" {
			result.StopReason = stop
			// Nothing persisted for this step; the pointer list stays as is.
			return result, c.acts.FinalizeRun(ctx, in.AgentID, in.RunID, nil, stop)
		}

		usage := resp.Usage
		usage.StepCount = 1
		result.Usage.Add(usage)
		result.Steps++

		stepID := fmt.Sprintf("%s-step-%d", in.RunID, stepOffset+stepIndex)
		otid := agent.StepOTID(in.RunID, stepOffset+stepIndex)

		if resp.ToolCall == nil {
			result.StopReason = types.StopReasonNoToolCall
			return result, c.acts.FinalizeRun(ctx, in.AgentID, in.RunID, nil, result.StopReason)
		}
		args, err := agent.ParseToolArguments(resp.ToolCall.Arguments)
		if err != nil {
			result.StopReason = types.StopReasonInvalidLLMResponse
			return result, c.acts.FinalizeRun(ctx, in.AgentID, in.RunID, nil, result.StopReason)
		}
		requestHeartbeat, innerThoughts := agent.PopControlArgs(args)

		reasoning := resp.ReasoningContent
		if reasoning == "" {
			reasoning = innerThoughts
		}
		call := resp.ToolCall
		assistantMsg := &types.Message{
			AgentID:  state.ID,
			Role:     types.RoleAssistant,
			ToolCall: call,
			OTID:     types.OTIDWithSuffix(otid, 0),
			StepID:   stepID,
		}
		if reasoning != "" {
			assistantMsg.Content = append(assistantMsg.Content, types.ReasoningPart(reasoning))
		}
		if resp.Content != "" {
			assistantMsg.Content = append(assistantMsg.Content, types.TextPart(resp.Content))
		}

		// An approval-gated call pauses the run with only the pending call
		// persisted; execution waits for the resume decision.
		if solver.IsRequiresApprovalTool(call.Name) {
			batch := make([]*types.Message, 0, len(initial)+1)
			batch = append(batch, initial...)
			batch = append(batch, assistantMsg)
			persisted, err := c.acts.PersistMessages(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("persist pending call: %w", err)
			}
			msgs = append(msgs, persisted...)
			result.NewMessages = append(result.NewMessages, persisted...)
			result.StopReason = types.StopReasonRequiresApproval
			return c.finish(ctx, in.AgentID, state, msgs, result)
		}

		violation := !containsString(allowed, call.Name)
		var ret *types.ToolReturn
		if violation {
			ret = &types.ToolReturn{
				Value: fmt.Sprintf("tool %s is not allowed at this point; allowed tools: %v", call.Name, allowed),
			}
		} else {
			solver.RegisterToolCall(call.Name)
			ret, err = c.acts.DispatchTool(ctx, state, call, args, stepID)
			if err != nil {
				return nil, fmt.Errorf("dispatch %s: %w", call.Name, err)
			}
		}
		returnMsg := &types.Message{
			AgentID:    state.ID,
			Role:       types.RoleTool,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolReturn: ret,
			OTID:       types.OTIDWithSuffix(otid, 1),
			StepID:     stepID,
		}

		decision := agent.DecideContinuation(solver, call.Name, requestHeartbeat, violation,
			c.cfg.MaxSteps-stepIndex-1, available)

		batch := make([]*types.Message, 0, len(initial)+2)
		batch = append(batch, initial...)
		batch = append(batch, assistantMsg, returnMsg)
		persisted, err := c.acts.PersistMessages(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("persist step %d: %w", stepIndex, err)
		}
		msgs = append(msgs, persisted...)
		result.NewMessages = append(result.NewMessages, persisted...)
		result.StopReason = decision.StopReason

		if !decision.ShouldContinue {
			break
		}
		initial = nil
		if decision.HeartbeatReason != "" {
			initial = []*types.Message{{
				AgentID: state.ID,
				Role:    types.RoleUser,
				Content: []types.ContentPart{types.TextPart(decision.HeartbeatReason)},
				StepID:  stepID,
			}}
		}
	}

	if result.StopReason == "" {
		result.StopReason = types.StopReasonMaxSteps
	}
	return c.finish(ctx, in.AgentID, state, msgs, result)
}

// resolveApproval consumes a held approve/deny decision. The pending call
// was persisted by the pausing step; only its tool-return is produced here,
// tagged with the pausing step's otid base so the pair stays correlated. A
// non-empty failStop means the step failed with nothing persisted.
func (c *Controller) resolveApproval(ctx context.Context, state *types.AgentState, solver *toolrule.Solver, approval *agent.ApprovalDecision, pending *types.Message, initial []*types.Message, remainingTurns int, available []string) (agent.Decision, []*types.Message, types.StopReason, error) {
	call := approval.ToolCall
	if call == nil && pending != nil {
		call = pending.ToolCall
	}
	if call == nil {
		return agent.Decision{}, nil, "", types.NewError(types.ErrInvalidRequest, "approval decision without a pending tool call")
	}
	stepID := ""
	otidBase := ""
	if pending != nil {
		stepID = pending.StepID
		otidBase = strings.TrimSuffix(pending.OTID, "-0")
	}

	var decision agent.Decision
	var ret *types.ToolReturn
	if !approval.Approved {
		reason := approval.Reason
		if reason == "" {
			reason = "no reason given"
		}
		ret = &types.ToolReturn{Value: fmt.Sprintf("request denied, reason: %s", reason)}
		decision = agent.Decision{
			ShouldContinue:  true,
			HeartbeatReason: "The tool call was denied. Adjust your approach and continue.",
		}
	} else {
		args, err := agent.ParseToolArguments(call.Arguments)
		if err != nil {
			return agent.Decision{}, nil, types.StopReasonInvalidLLMResponse, nil
		}
		requestHeartbeat, _ := agent.PopControlArgs(args)
		solver.RegisterToolCall(call.Name)
		ret, err = c.acts.DispatchTool(ctx, state, call, args, stepID)
		if err != nil {
			return agent.Decision{}, nil, "", fmt.Errorf("dispatch %s: %w", call.Name, err)
		}
		decision = agent.DecideContinuation(solver, call.Name, requestHeartbeat, false, remainingTurns, available)
	}

	returnMsg := &types.Message{
		AgentID:    state.ID,
		Role:       types.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolReturn: ret,
		OTID:       types.OTIDWithSuffix(otidBase, 1),
		StepID:     stepID,
	}
	batch := make([]*types.Message, 0, len(initial)+1)
	batch = append(batch, initial...)
	batch = append(batch, returnMsg)
	persisted, err := c.acts.PersistMessages(ctx, batch)
	if err != nil {
		return agent.Decision{}, nil, "", fmt.Errorf("persist approval resolution: %w", err)
	}
	return decision, persisted, "", nil
}

// request issues the LLM activity with bounded summarize-and-retry. A
// non-empty stop reason means the step failed with nothing persisted.
func (c *Controller) request(ctx context.Context, state *types.AgentState, msgs, initial []*types.Message, allowed []string, forceTool string) (*llm.ChatResponse, []*types.Message, types.StopReason) {
	for attempt := 0; ; attempt++ {
		combined := make([]*types.Message, 0, len(msgs)+len(initial))
		combined = append(combined, msgs...)
		combined = append(combined, initial...)

		resp, err := c.acts.LLMRequest(ctx, state, combined, allowed, forceTool)
		if err == nil {
			return resp, msgs, ""
		}
		if llm.IsContextOverflow(err) && attempt < c.cfg.MaxSummarizeRetries {
			trimmed, _, serr := c.acts.SummarizeContext(ctx, msgs, true, true)
			if serr == nil {
				msgs = trimmed
			}
			continue
		}
		if llm.IsInvalidResponse(err) {
			return nil, msgs, types.StopReasonInvalidLLMResponse
		}
		return nil, msgs, types.StopReasonLLMAPIError
	}
}

func (c *Controller) finish(ctx context.Context, agentID string, state *types.AgentState, msgs []*types.Message, result *RunResult) (*RunResult, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	result.MessageIDs = ids
	return result, c.acts.FinalizeRun(ctx, agentID, result.RunID, ids, result.StopReason)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
