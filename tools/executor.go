// Package tools provides the tool registry and execution dispatch consumed
// by the step loop. Sandboxed process isolation is an external concern; the
// executor here runs in-process functions behind the same contract.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentloop/types"
)

// ToolFunc defines the tool function signature. Arguments arrive already
// parsed, with control-signaling keys (request_heartbeat, inner thoughts)
// removed by the caller.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Metadata describes a registered tool.
type Metadata struct {
	Schema          types.ToolSchema // Tool JSON Schema
	Timeout         time.Duration    // Execution timeout (default 30s)
	ReturnCharLimit int              // Truncation limit (default DefaultReturnCharLimit)
	RateLimit       *RateLimitConfig // Rate limit config (optional)
}

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	PerSecond float64 // Sustained calls per second
	Burst     int     // Burst allowance
}

// Result represents one tool execution outcome.
type Result struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Success  bool          `json:"success"`
	Stdout   []string      `json:"stdout,omitempty"`
	Stderr   []string      `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor defines the dispatch contract the step loop consumes.
type Executor interface {
	Execute(ctx context.Context, call types.ToolCall, args map[string]any, stepID string) Result
}

// Registry holds registered tools, their metadata and per-tool limiters.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]ToolFunc
	metadata map[string]Metadata
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:    make(map[string]ToolFunc),
		metadata: make(map[string]Metadata),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(name string, fn ToolFunc, metadata Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if metadata.Schema.Name == "" {
		metadata.Schema.Name = name
	}
	if metadata.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", metadata.Schema.Name, name)
	}
	if metadata.Timeout == 0 {
		metadata.Timeout = 30 * time.Second
	}

	r.tools[name] = fn
	r.metadata[name] = metadata

	if metadata.RateLimit != nil {
		burst := metadata.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(metadata.RateLimit.PerSecond), burst)
	}

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", metadata.Timeout))
	return nil
}

// Get returns the function and metadata for a tool.
func (r *Registry) Get(name string) (ToolFunc, Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.tools[name]
	if !ok {
		return nil, Metadata{}, types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not found", name))
	}
	return fn, r.metadata[name], nil
}

// Has reports whether the tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all registered tool schemas.
func (r *Registry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.metadata))
	for _, meta := range r.metadata {
		schemas = append(schemas, meta.Schema)
	}
	return schemas
}

func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// DefaultExecutor dispatches tool calls against a Registry.
type DefaultExecutor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDefaultExecutor creates the default in-process executor.
func NewDefaultExecutor(registry *Registry, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultExecutor{registry: registry, logger: logger}
}

// Execute runs one tool call. Failures (unknown tool, rate limit, timeout,
// function error) are reported in the Result rather than as Go errors so the
// loop can synthesize an error tool-return and keep going.
func (e *DefaultExecutor) Execute(ctx context.Context, call types.ToolCall, args map[string]any, stepID string) Result {
	start := time.Now()
	result := Result{CallID: call.ID, Name: call.Name}

	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		result.Value = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if limiter := e.registry.limiter(call.Name); limiter != nil && !limiter.Allow() {
		result.Value = fmt.Sprintf("tool %s rate limit exceeded", call.Name)
		result.Duration = time.Since(start)
		return result
	}

	execCtx := ctx
	if meta.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
		defer cancel()
	}

	value, err := fn(execCtx, args)
	result.Duration = time.Since(start)

	if err != nil {
		result.Value = err.Error()
		e.logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("step_id", stepID),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		return result
	}

	result.Success = true
	result.Value = TruncateReturn(call.Name, value, meta.ReturnCharLimit)
	e.logger.Debug("tool executed",
		zap.String("tool", call.Name),
		zap.String("step_id", stepID),
		zap.Duration("duration", result.Duration),
	)
	return result
}
