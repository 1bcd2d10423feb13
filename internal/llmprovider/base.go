package llmprovider

import (
	"context"

	"github.com/2389-research/agentmesh/internal/backoff"
)

// base holds shared retry configuration for provider bindings: transient
// 5xx failures and 429 rate limits are retried with bounded exponential
// backoff; every other 4xx failure is terminal per the provider contract.
type base struct {
	name        string
	maxAttempts int
	policy      backoff.BackoffPolicy
}

func newBase(name string, maxAttempts int) base {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return base{name: name, maxAttempts: maxAttempts, policy: backoff.DefaultPolicy()}
}

// retry runs op, retrying while the returned error is a retryable
// provider error, up to maxAttempts total attempts.
func (b *base) retry(ctx context.Context, op func(attempt int) (Response, error)) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := op(attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == b.maxAttempts {
			return Response{}, err
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, b.policyFor(err), attempt); sleepErr != nil {
			return Response{}, sleepErr
		}
	}
	return Response{}, lastErr
}

// policyFor widens the backoff for a rate-limited response: retrying a rate
// limiter quickly only makes it worse. Every other retryable kind (5xx api
// errors) keeps the base's default policy.
func (b *base) policyFor(err error) backoff.BackoffPolicy {
	if pe, ok := AsProviderError(err); ok && pe.Kind == ErrRateLimited {
		return backoff.ConservativePolicy()
	}
	return b.policy
}
