package llmport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// ResilientClient wraps a backend Client with a circuit breaker (so a
// backend in sustained failure stops taking new calls for a cooldown
// window) and bounded exponential-backoff retry on transient failures, plus
// a process-wide token budget the §6 port's HSK-402-BUDGET-EXCEEDED
// contract requires.
type ResilientClient struct {
	inner       Client
	breaker     *gobreaker.CircuitBreaker
	tokenBudget int64
	tokensUsed  int64
	maxRetries  uint64
}

// ResilientOptions configures NewResilient; the zero value is a sane
// default (no token budget, 3 retries, breaker trips after 5 consecutive
// failures and cools down for 30s).
type ResilientOptions struct {
	Name            string
	TokenBudget     int64
	MaxRetries      uint64
	TripAfterErrors uint32
	CooldownWindow  time.Duration
}

// NewResilient constructs a ResilientClient wrapping inner.
func NewResilient(inner Client, opts ResilientOptions) *ResilientClient {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.TripAfterErrors == 0 {
		opts.TripAfterErrors = 5
	}
	if opts.CooldownWindow == 0 {
		opts.CooldownWindow = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.CooldownWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripAfterErrors
		},
	})

	return &ResilientClient{inner: inner, breaker: breaker, tokenBudget: opts.TokenBudget, maxRetries: opts.MaxRetries}
}

// Completion runs req through the breaker with bounded retry, failing fast
// on the token budget and treating rate-limit/budget errors from inner as
// non-retryable — a caller-facing signal to back off, not a transient fault
// this wrapper should paper over.
func (c *ResilientClient) Completion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.tokenBudget > 0 && atomic.LoadInt64(&c.tokensUsed) >= c.tokenBudget {
		return CompletionResponse{}, apperrors.NewBudgetError("token budget exhausted").
			WithDetailsf("budget=%d", c.tokenBudget)
	}

	var resp CompletionResponse
	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.inner.Completion(ctx, req)
		})
		if err != nil {
			if apperrors.GetType(err) == apperrors.ErrorTypeRateLimit || apperrors.GetType(err) == apperrors.ErrorTypeBudget {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = result.(CompletionResponse)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		// backoff.Retry unwraps a backoff.Permanent error back to the
		// original cause before returning it, so rate-limit/budget errors
		// surface verbatim here, per the port's "callers decide to retry"
		// contract; anything else is a genuine post-retry LLM failure.
		switch apperrors.GetType(err) {
		case apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeBudget:
			return CompletionResponse{}, err
		default:
			return CompletionResponse{}, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "llm completion failed after retry").WithCode(apperrors.CodeLLM)
		}
	}

	if c.tokenBudget > 0 {
		atomic.AddInt64(&c.tokensUsed, int64(resp.Usage.TotalTokens))
	}
	return resp, nil
}

// Profile delegates to the wrapped client; it carries no failure mode worth
// retrying or breaking on.
func (c *ResilientClient) Profile() Profile {
	return c.inner.Profile()
}
