// Package store defines the persistence collaborators the loop depends on:
// message history, agent records and run records. The loop only consumes
// these narrow contracts; schema and engine choice stay behind them.
package store

import (
	"context"
	"errors"

	"github.com/BaSui01/agentloop/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus describes the lifecycle of one run record.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused" // awaiting tool approval
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// MessageStore persists conversation messages. Messages are created exactly
// once and never physically deleted by the loop; "forgetting" happens by
// removing ids from the agent's message_ids pointer list.
type MessageStore interface {
	// CreateMany persists a batch atomically and returns it with ids set.
	CreateMany(ctx context.Context, msgs []*types.Message) ([]*types.Message, error)

	// GetMany fetches messages by id, in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]*types.Message, error)

	// UpdateContent replaces a message's content in place. Only the
	// compiled system message is ever updated this way.
	UpdateContent(ctx context.Context, id string, content []types.ContentPart) error

	// ListByAgent returns an agent's messages in creation order, optionally
	// after a given message id, up to limit (0 = no limit).
	ListByAgent(ctx context.Context, agentID, after string, limit int) ([]*types.Message, error)

	// Size returns the number of persisted messages for an agent.
	Size(ctx context.Context, agentID string) (int64, error)
}

// AgentStore persists agent state records.
type AgentStore interface {
	Get(ctx context.Context, agentID string) (*types.AgentState, error)
	Put(ctx context.Context, state *types.AgentState) error
	UpdateMessageIDs(ctx context.Context, agentID string, ids []string) error
}

// RunStore persists run records and serves the between-steps cancellation
// check.
type RunStore interface {
	Create(ctx context.Context, runID, agentID string) error
	UpdateStatus(ctx context.Context, runID string, status RunStatus, stopReason types.StopReason) error
	GetStatus(ctx context.Context, runID string) (RunStatus, error)
}
