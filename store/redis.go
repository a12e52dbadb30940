package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/types"
)

const (
	runKeyPrefix  = "agentloop:run:"
	lockKeyPrefix = "agentloop:agent-lock:"

	// DefaultRunTTL bounds how long a run record lives after its last update.
	DefaultRunTTL = 24 * time.Hour

	// DefaultLockTTL bounds how long a crashed process can hold an agent
	// before the lock expires on its own.
	DefaultLockTTL = 10 * time.Minute
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another run is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisRunStore keeps run records in Redis so a paused or running state is
// visible across processes, which is what the between-steps cancellation
// check needs.
type RedisRunStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRunStore wraps a Redis client as a RunStore. ttl <= 0 selects
// DefaultRunTTL.
func NewRedisRunStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRunStore {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRunStore{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_run_store")),
	}
}

func runKey(runID string) string { return runKeyPrefix + runID }

func (s *RedisRunStore) Create(ctx context.Context, runID, agentID string) error {
	fields := map[string]any{
		"agent_id":   agentID,
		"status":     string(RunStatusCreated),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, runKey(runID), fields)
	pipe.Expire(ctx, runKey(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

func (s *RedisRunStore) UpdateStatus(ctx context.Context, runID string, status RunStatus, stopReason types.StopReason) error {
	exists, err := s.client.Exists(ctx, runKey(runID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	fields := map[string]any{
		"status":      string(status),
		"stop_reason": string(stopReason),
		"updated_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, runKey(runID), fields)
	pipe.Expire(ctx, runKey(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

func (s *RedisRunStore) GetStatus(ctx context.Context, runID string) (RunStatus, error) {
	status, err := s.client.HGet(ctx, runKey(runID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return RunStatus(status), nil
}

// StopReason reads the recorded stop reason for a run.
func (s *RedisRunStore) StopReason(ctx context.Context, runID string) (types.StopReason, error) {
	reason, err := s.client.HGet(ctx, runKey(runID), "stop_reason").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return types.StopReason(reason), nil
}

// RunLock serializes runs per agent. At most one run may execute steps for a
// given agent at a time; a second Acquire fails with ErrAgentBusy instead of
// queueing.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunLock creates a per-agent lock manager. ttl <= 0 selects
// DefaultLockTTL.
func NewRunLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RunLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunLock{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "run_lock")),
	}
}

// Acquire takes the agent's lock for the given run. The run id doubles as
// the lock token so Release cannot free another run's lock.
func (l *RunLock) Acquire(ctx context.Context, agentID, runID string) error {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+agentID, runID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire agent lock: %w", err)
	}
	if !ok {
		return types.NewError(types.ErrAgentBusy,
			fmt.Sprintf("agent %s already has an active run", agentID))
	}
	l.logger.Debug("agent lock acquired",
		zap.String("agent_id", agentID),
		zap.String("run_id", runID),
	)
	return nil
}

// Refresh extends the lock's TTL while a long run is still making progress.
// It fails if the lock expired or was taken over by another run.
func (l *RunLock) Refresh(ctx context.Context, agentID, runID string) error {
	held, err := l.client.Get(ctx, lockKeyPrefix+agentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("agent lock for %s expired", agentID)
		}
		return err
	}
	if held != runID {
		return types.NewError(types.ErrAgentBusy,
			fmt.Sprintf("agent %s lock held by run %s", agentID, held))
	}
	return l.client.Expire(ctx, lockKeyPrefix+agentID, l.ttl).Err()
}

// Release frees the agent's lock if this run still holds it.
func (l *RunLock) Release(ctx context.Context, agentID, runID string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + agentID}, runID).Int()
	if err != nil {
		return fmt.Errorf("release agent lock: %w", err)
	}
	if deleted == 0 {
		l.logger.Warn("agent lock already released or taken over",
			zap.String("agent_id", agentID),
			zap.String("run_id", runID),
		)
	}
	return nil
}
