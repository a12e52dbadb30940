package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

type scriptedProvider struct {
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Completion(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	p.calls++
	if p.calls <= len(p.errs) && p.errs[p.calls-1] != nil {
		return nil, p.errs[p.calls-1]
	}
	return &ChatResponse{Content: "ok"}, nil
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestRetryProvider_RetriesRetryable(t *testing.T) {
	t.Parallel()

	transient := types.NewError(types.ErrUpstreamTimeout, "timeout").WithRetryable(true)
	p := &scriptedProvider{errs: []error{transient, transient}}
	rp := NewRetryProvider(p, fastRetry(3), nil)

	resp, err := rp.Completion(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, p.calls)
}

func TestRetryProvider_DoesNotRetryContextOverflow(t *testing.T) {
	t.Parallel()

	overflow := ContextOverflowError("scripted", nil)
	p := &scriptedProvider{errs: []error{overflow, nil}}
	rp := NewRetryProvider(p, fastRetry(3), nil)

	_, err := rp.Completion(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsContextOverflow(err))
	assert.Equal(t, 1, p.calls, "overflow must pass through to the loop")
}

func TestRetryProvider_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	transient := types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
	p := &scriptedProvider{errs: []error{transient, transient, transient}}
	rp := NewRetryProvider(p, fastRetry(3), nil)

	_, err := rp.Completion(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
	assert.Equal(t, 3, p.calls)
}

func TestIsInvalidResponse(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInvalidResponse(types.NewError(types.ErrInvalidResponse, "garbled")))
	assert.False(t, IsInvalidResponse(types.NewError(types.ErrUpstreamError, "5xx")))
	assert.False(t, IsInvalidResponse(nil))
}
