// Package agent implements the step state machine and the multi-step run
// loop that drive a stateful tool-calling agent.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
	"github.com/BaSui01/agentloop/toolrule"
	"github.com/BaSui01/agentloop/tools"
	"github.com/BaSui01/agentloop/types"
)

// StepConfig tunes one step execution.
type StepConfig struct {
	// MaxSummarizeRetries bounds the summarize-and-retry cycle after a
	// context window overflow.
	MaxSummarizeRetries int `yaml:"max_summarize_retries" json:"max_summarize_retries" env:"MAX_SUMMARIZE_RETRIES"`
	// LLMTimeout is the per-request budget handed to the adapter.
	LLMTimeout time.Duration `yaml:"llm_timeout" json:"llm_timeout" env:"LLM_TIMEOUT"`
}

func (c StepConfig) withDefaults() StepConfig {
	if c.MaxSummarizeRetries <= 0 {
		c.MaxSummarizeRetries = 3
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	return c
}

// ApprovalDecision resumes a run that paused with requires_approval. The
// pending call is the one persisted by the pausing step.
type ApprovalDecision struct {
	Approved bool
	Reason   string
	ToolCall *types.ToolCall
}

// StepInput carries everything one step needs. Messages is the current
// in-context list; InitialMessages are not-yet-persisted inputs (the user's
// submission on step one, a synthetic heartbeat turn afterwards) that persist
// with this step's delta.
type StepInput struct {
	State           *types.AgentState
	Solver          *toolrule.Solver
	Messages        []*types.Message
	InitialMessages []*types.Message
	RemainingTurns  int
	StepID          string
	OTID            string
	Approval        *ApprovalDecision
}

// StepResult is the outcome of one step. A step that fails inside the LLM
// request persists nothing: ResponseMessages is empty exactly when the model
// never produced a usable tool call, which downstream callers rely on.
type StepResult struct {
	StopReason       types.StopReason
	Usage            types.TokenUsage
	ShouldContinue   bool
	ResponseMessages []*types.Message
	UpdatedMessages  []*types.Message
	HeartbeatReason  string
}

// StepExecutor runs one iteration of the loop: prepare, select tools, call
// the LLM, dispatch the tool, decide continuation, persist.
type StepExecutor struct {
	provider   llm.Provider
	executor   tools.Executor
	messages   store.MessageStore
	summarizer *summarize.Summarizer
	metrics    *metrics.Metrics
	cfg        StepConfig
	logger     *zap.Logger
}

// NewStepExecutor wires a step executor. metrics may be nil.
func NewStepExecutor(provider llm.Provider, executor tools.Executor, messages store.MessageStore, summarizer *summarize.Summarizer, m *metrics.Metrics, cfg StepConfig, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &StepExecutor{
		provider:   provider,
		executor:   executor,
		messages:   messages,
		summarizer: summarizer,
		metrics:    m,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("component", "step_executor")),
	}
}

// Execute runs one step.
func (e *StepExecutor) Execute(ctx context.Context, in *StepInput) (*StepResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, in)
	if err == nil {
		e.metrics.ObserveStep(res.StopReason, time.Since(start))
	}
	return res, err
}

func (e *StepExecutor) execute(ctx context.Context, in *StepInput) (*StepResult, error) {
	if in.Approval != nil {
		return e.resolveApproval(ctx, in)
	}

	rulePrompt := in.Solver.CompileToolRulePrompts()
	if err := e.refreshSystemMessage(ctx, in, rulePrompt); err != nil {
		return nil, fmt.Errorf("refresh system message: %w", err)
	}

	available := in.State.ToolNames()
	allowed, err := in.Solver.GetAllowedToolNames(available, LastToolResponse(in.Messages), false)
	if err != nil {
		return nil, err
	}
	forceTool := ""
	if len(allowed) == 1 {
		forceTool = allowed[0]
	}

	resp, inContext, failed := e.requestWithRetry(ctx, in, allowed, forceTool)
	if failed != nil {
		return failed, nil
	}

	usage := resp.Usage
	usage.StepCount = 1

	if resp.ToolCall == nil {
		e.logger.Warn("no tool call in response", zap.String("step_id", in.StepID))
		return &StepResult{
			StopReason:      types.StopReasonNoToolCall,
			Usage:           usage,
			UpdatedMessages: concatMessages(inContext, in.InitialMessages),
		}, nil
	}

	args, err := ParseToolArguments(resp.ToolCall.Arguments)
	if err != nil {
		e.logger.Warn("unrepairable tool call arguments",
			zap.String("tool", resp.ToolCall.Name),
			zap.String("step_id", in.StepID),
			zap.Error(err),
		)
		return &StepResult{
			StopReason:      types.StopReasonInvalidLLMResponse,
			Usage:           usage,
			UpdatedMessages: concatMessages(inContext, in.InitialMessages),
		}, nil
	}
	requestHeartbeat, innerThoughts := PopControlArgs(args)

	reasoning := resp.ReasoningContent
	if reasoning == "" {
		reasoning = innerThoughts
	}
	call := resp.ToolCall
	assistantMsg := buildAssistantMessage(in.State.ID, call, reasoning, resp.Content, in.StepID,
		types.OTIDWithSuffix(in.OTID, 0))

	if in.Solver.IsRequiresApprovalTool(call.Name) {
		persisted, err := e.persist(ctx, in.InitialMessages, assistantMsg, nil)
		if err != nil {
			return nil, err
		}
		return &StepResult{
			StopReason:       types.StopReasonRequiresApproval,
			Usage:            usage,
			ResponseMessages: persisted,
			UpdatedMessages:  concatMessages(inContext, persisted),
		}, nil
	}

	violation := !containsString(allowed, call.Name)
	var toolReturn *types.Message
	if violation {
		e.logger.Warn("tool rule violation",
			zap.String("tool", call.Name),
			zap.Strings("allowed", allowed),
		)
		toolReturn = buildToolReturnMessage(in.State.ID, call, &types.ToolReturn{
			Value: fmt.Sprintf("tool %s is not allowed at this point; allowed tools: %s",
				call.Name, strings.Join(allowed, ", ")),
		}, in.StepID, types.OTIDWithSuffix(in.OTID, 1))
	} else {
		in.Solver.RegisterToolCall(call.Name)
		toolReturn = e.dispatch(ctx, in, call, args)
	}

	decision := DecideContinuation(in.Solver, call.Name, requestHeartbeat, violation,
		in.RemainingTurns, available)

	persisted, err := e.persist(ctx, in.InitialMessages, assistantMsg, toolReturn)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		StopReason:       decision.StopReason,
		Usage:            usage,
		ShouldContinue:   decision.ShouldContinue,
		ResponseMessages: persisted,
		UpdatedMessages:  concatMessages(inContext, persisted),
		HeartbeatReason:  decision.HeartbeatReason,
	}, nil
}

// requestWithRetry issues the LLM call, recovering from context overflow by
// forced full summarization of the in-context list up to the configured
// retry bound. The not-yet-persisted initial messages survive the reset. A
// non-nil third return value means the step ends here with nothing
// persisted.
func (e *StepExecutor) requestWithRetry(ctx context.Context, in *StepInput, allowed []string, forceTool string) (*llm.ChatResponse, []*types.Message, *StepResult) {
	inContext := in.Messages
	req := &llm.ChatRequest{
		Model:       in.State.LLMConfig.Model,
		Tools:       schemasFor(in.State, allowed),
		ForceTool:   forceTool,
		MaxTokens:   in.State.LLMConfig.MaxTokens,
		Temperature: in.State.LLMConfig.Temperature,
		Timeout:     e.cfg.LLMTimeout,
	}

	for attempt := 0; ; attempt++ {
		req.Messages = concatMessages(inContext, in.InitialMessages)
		resp, err := e.provider.Completion(ctx, req)
		if err == nil {
			return resp, inContext, nil
		}
		if llm.IsContextOverflow(err) && attempt < e.cfg.MaxSummarizeRetries {
			e.logger.Info("context overflow, summarizing and retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("messages", len(inContext)),
			)
			sr := e.summarizer.Summarize(ctx, inContext, nil, true, true)
			inContext = sr.UpdatedMessages
			e.metrics.ObserveOverflowRetry()
			if sr.DidSummarize {
				e.metrics.ObserveSummarization()
			}
			continue
		}

		stop := types.StopReasonLLMAPIError
		if llm.IsInvalidResponse(err) {
			stop = types.StopReasonInvalidLLMResponse
		}
		e.logger.Error("llm request failed",
			zap.String("step_id", in.StepID),
			zap.String("stop_reason", string(stop)),
			zap.Error(err),
		)
		return nil, nil, &StepResult{StopReason: stop, UpdatedMessages: req.Messages}
	}
}

// resolveApproval handles the step that consumes a pending approve/deny
// decision. The tool-call message was persisted by the pausing step, so only
// the tool-return side is produced here.
func (e *StepExecutor) resolveApproval(ctx context.Context, in *StepInput) (*StepResult, error) {
	call := in.Approval.ToolCall
	if call == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "approval decision without a pending tool call")
	}
	otid := types.OTIDWithSuffix(in.OTID, 1)

	if !in.Approval.Approved {
		reason := in.Approval.Reason
		if reason == "" {
			reason = "no reason given"
		}
		toolReturn := buildToolReturnMessage(in.State.ID, call, &types.ToolReturn{
			Value: fmt.Sprintf("request denied, reason: %s", reason),
		}, in.StepID, otid)
		persisted, err := e.persist(ctx, in.InitialMessages, nil, toolReturn)
		if err != nil {
			return nil, err
		}
		return &StepResult{
			ShouldContinue:   true,
			ResponseMessages: persisted,
			UpdatedMessages:  concatMessages(in.Messages, persisted),
			HeartbeatReason:  "The tool call was denied. Adjust your approach and continue.",
		}, nil
	}

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return &StepResult{
			StopReason:      types.StopReasonInvalidLLMResponse,
			UpdatedMessages: in.Messages,
		}, nil
	}
	requestHeartbeat, _ := PopControlArgs(args)

	in.Solver.RegisterToolCall(call.Name)
	toolReturn := e.dispatch(ctx, in, call, args)
	decision := DecideContinuation(in.Solver, call.Name, requestHeartbeat, false,
		in.RemainingTurns, in.State.ToolNames())

	persisted, err := e.persist(ctx, in.InitialMessages, nil, toolReturn)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		StopReason:       decision.StopReason,
		ShouldContinue:   decision.ShouldContinue,
		ResponseMessages: persisted,
		UpdatedMessages:  concatMessages(in.Messages, persisted),
		HeartbeatReason:  decision.HeartbeatReason,
	}, nil
}

// dispatch executes the tool and converts the result into a tool-return
// message, applying the agent-level return character limit on top of the
// executor's own.
func (e *StepExecutor) dispatch(ctx context.Context, in *StepInput, call *types.ToolCall, args map[string]any) *types.Message {
	result := e.executor.Execute(ctx, *call, args, in.StepID)
	e.metrics.ObserveTool(call.Name, result.Success)

	value := result.Value
	if def, ok := in.State.ToolByName(call.Name); ok && def.ReturnCharLimit > 0 {
		value = tools.TruncateReturn(call.Name, value, def.ReturnCharLimit)
	}
	return buildToolReturnMessage(in.State.ID, call, &types.ToolReturn{
		Success: result.Success,
		Value:   value,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}, in.StepID, types.OTIDWithSuffix(in.OTID, 1))
}

// refreshSystemMessage recompiles the system message and rewrites the
// persisted copy in place when its dynamic section changed.
func (e *StepExecutor) refreshSystemMessage(ctx context.Context, in *StepInput, rulePrompt string) error {
	if len(in.Messages) == 0 || in.Messages[0].Role != types.RoleSystem {
		return nil
	}
	current := in.Messages[0]
	metadata := fmt.Sprintf("- current time: %s\n- %d prior messages",
		time.Now().UTC().Format(time.RFC3339), len(in.Messages)-1)
	compiled := CompileSystemMessage(BaseInstructions(current.Text()), in.State, rulePrompt, metadata)

	if DynamicSection(compiled) == DynamicSection(current.Text()) {
		return nil
	}
	content := []types.ContentPart{types.TextPart(compiled)}
	if err := e.messages.UpdateContent(ctx, current.ID, content); err != nil {
		return err
	}
	refreshed := *current
	refreshed.Content = content
	in.Messages[0] = &refreshed
	e.logger.Debug("system message refreshed", zap.String("message_id", current.ID))
	return nil
}

// persist writes this step's delta: initial messages first, then the
// assistant part, then the tool-return part.
func (e *StepExecutor) persist(ctx context.Context, initial []*types.Message, assistantMsg, toolReturn *types.Message) ([]*types.Message, error) {
	batch := make([]*types.Message, 0, len(initial)+2)
	batch = append(batch, initial...)
	if assistantMsg != nil {
		batch = append(batch, assistantMsg)
	}
	if toolReturn != nil {
		batch = append(batch, toolReturn)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return e.messages.CreateMany(ctx, batch)
}

func buildAssistantMessage(agentID string, call *types.ToolCall, reasoning, content, stepID, otid string) *types.Message {
	msg := &types.Message{
		ID:        types.NewMessageID(),
		AgentID:   agentID,
		Role:      types.RoleAssistant,
		ToolCall:  call,
		OTID:      otid,
		StepID:    stepID,
		CreatedAt: time.Now().UTC(),
	}
	if reasoning != "" {
		msg.Content = append(msg.Content, types.ReasoningPart(reasoning))
	}
	if content != "" {
		msg.Content = append(msg.Content, types.TextPart(content))
	}
	return msg
}

func buildToolReturnMessage(agentID string, call *types.ToolCall, ret *types.ToolReturn, stepID, otid string) *types.Message {
	return &types.Message{
		ID:         types.NewMessageID(),
		AgentID:    agentID,
		Role:       types.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolReturn: ret,
		OTID:       otid,
		StepID:     stepID,
		CreatedAt:  time.Now().UTC(),
	}
}

// LastToolResponse returns the most recent tool return's raw value, feeding
// conditional rule resolution.
func LastToolResponse(msgs []*types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsToolReturn() {
			return msgs[i].ToolReturn.Value
		}
	}
	return ""
}

func schemasFor(state *types.AgentState, allowed []string) []types.ToolSchema {
	schemas := make([]types.ToolSchema, 0, len(allowed))
	for _, name := range allowed {
		if def, ok := state.ToolByName(name); ok {
			schemas = append(schemas, def.Schema)
		}
	}
	return schemas
}

// concatMessages joins two message slices into a freshly allocated slice.
func concatMessages(a, b []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
