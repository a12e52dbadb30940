package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentloop/types"
)

// RetryConfig bounds the retry wrapper.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// RequestsPerSecond enables client-side rate limiting when > 0.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// DefaultRetryConfig returns the default retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// RetryProvider wraps a Provider with capped exponential backoff on
// retryable errors and optional client-side rate limiting. Context overflow
// is never retried here: the loop owns the summarize-and-retry path.
type RetryProvider struct {
	inner   Provider
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRetryProvider wraps inner with the given retry budget.
func NewRetryProvider(inner Provider, cfg RetryConfig, logger *zap.Logger) *RetryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &RetryProvider{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

// Name returns the wrapped provider's identifier.
func (p *RetryProvider) Name() string { return p.inner.Name() }

// Completion delegates to the wrapped provider, retrying retryable failures.
func (p *RetryProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	backoff := p.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := p.inner.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsContextOverflow(err) || !types.IsRetryable(err) {
			return nil, err
		}

		p.logger.Warn("llm request failed, retrying",
			zap.String("provider", p.inner.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
	return nil, lastErr
}
