package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisRunStore(t *testing.T) {
	t.Parallel()

	client := newTestRedis(t)
	s := NewRedisRunStore(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "run-1", "agent-1"))

	status, err := s.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCreated, status)

	require.NoError(t, s.UpdateStatus(ctx, "run-1", RunStatusCancelled, types.StopReasonCancelled))
	status, err = s.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCancelled, status)

	reason, err := s.StopReason(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StopReasonCancelled, reason)

	_, err = s.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", RunStatusFailed, ""), ErrNotFound)
}

func TestRunLock_AcquireRelease(t *testing.T) {
	t.Parallel()

	client := newTestRedis(t)
	lock := NewRunLock(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, lock.Acquire(ctx, "agent-1", "run-1"))

	err := lock.Acquire(ctx, "agent-1", "run-2")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentBusy, types.GetErrorCode(err))

	// Another agent is independent.
	require.NoError(t, lock.Acquire(ctx, "agent-2", "run-3"))

	require.NoError(t, lock.Release(ctx, "agent-1", "run-1"))
	require.NoError(t, lock.Acquire(ctx, "agent-1", "run-2"))
}

func TestRunLock_ReleaseWrongToken(t *testing.T) {
	t.Parallel()

	client := newTestRedis(t)
	lock := NewRunLock(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, lock.Acquire(ctx, "agent-1", "run-1"))

	// Release by a run that does not hold the lock leaves it in place.
	require.NoError(t, lock.Release(ctx, "agent-1", "run-99"))
	err := lock.Acquire(ctx, "agent-1", "run-2")
	assert.Equal(t, types.ErrAgentBusy, types.GetErrorCode(err))
}

func TestRunLock_Refresh(t *testing.T) {
	t.Parallel()

	client := newTestRedis(t)
	lock := NewRunLock(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, lock.Acquire(ctx, "agent-1", "run-1"))
	require.NoError(t, lock.Refresh(ctx, "agent-1", "run-1"))

	err := lock.Refresh(ctx, "agent-1", "run-2")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentBusy, types.GetErrorCode(err))

	require.NoError(t, lock.Release(ctx, "agent-1", "run-1"))
	assert.Error(t, lock.Refresh(ctx, "agent-1", "run-1"), "refresh after release")
}
