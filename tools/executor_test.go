package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	fn := func(_ context.Context, _ map[string]any) (string, error) { return "ok", nil }

	require.NoError(t, r.Register("echo", fn, Metadata{}))
	assert.Error(t, r.Register("echo", fn, Metadata{}), "duplicate registration")
	assert.Error(t, r.Register("other", fn, Metadata{Schema: types.ToolSchema{Name: "mismatch"}}))

	_, meta, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, meta.Timeout, "default timeout applied")
	assert.True(t, r.Has("echo"))
	assert.Len(t, r.List(), 1)

	_, _, err = r.Get("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrToolNotFound, types.GetErrorCode(err))
}

func TestDefaultExecutor_Execute(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register("greet", func(_ context.Context, args map[string]any) (string, error) {
		name, _ := args["name"].(string)
		return "hello " + name, nil
	}, Metadata{}))
	require.NoError(t, r.Register("boom", func(_ context.Context, _ map[string]any) (string, error) {
		return "", errors.New("exploded")
	}, Metadata{}))

	e := NewDefaultExecutor(r, nil)

	res := e.Execute(context.Background(), types.ToolCall{ID: "c1", Name: "greet"},
		map[string]any{"name": "world"}, "step-1")
	assert.True(t, res.Success)
	assert.Equal(t, "hello world", res.Value)
	assert.Equal(t, "c1", res.CallID)

	res = e.Execute(context.Background(), types.ToolCall{ID: "c2", Name: "boom"}, nil, "step-1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Value, "exploded")

	res = e.Execute(context.Background(), types.ToolCall{ID: "c3", Name: "missing"}, nil, "step-1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Value, "not found")
}

func TestDefaultExecutor_Timeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register("slow", func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	}, Metadata{Timeout: 10 * time.Millisecond}))

	e := NewDefaultExecutor(r, nil)
	res := e.Execute(context.Background(), types.ToolCall{Name: "slow"}, nil, "step-1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Value, "deadline")
}

func TestDefaultExecutor_RateLimit(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register("limited", func(_ context.Context, _ map[string]any) (string, error) {
		return "ok", nil
	}, Metadata{RateLimit: &RateLimitConfig{PerSecond: 0.001, Burst: 1}}))

	e := NewDefaultExecutor(r, nil)
	first := e.Execute(context.Background(), types.ToolCall{Name: "limited"}, nil, "s")
	assert.True(t, first.Success)
	second := e.Execute(context.Background(), types.ToolCall{Name: "limited"}, nil, "s")
	assert.False(t, second.Success)
	assert.Contains(t, second.Value, "rate limit")
}

func TestTruncateReturn(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 120)

	got := TruncateReturn("some_tool", long, 100)
	assert.Contains(t, got, "truncated")
	assert.Contains(t, got, "exceeded 100 character limit by 20")
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", 100)))

	assert.Equal(t, long, TruncateReturn("some_tool", long, 200), "within limit untouched")
	assert.Equal(t, long, TruncateReturn("conversation_search", long, 10), "search tools exempt")

	// Zero limit falls back to the default, which this value is under.
	assert.Equal(t, long, TruncateReturn("some_tool", long, 0))
}
