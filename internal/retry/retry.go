// Package retry wraps transient operations in bounded exponential
// backoff. Only error classes that can plausibly clear on their own are
// retried; auth, permission, validation, and conflict errors fail
// immediately.
package retry

import (
	"context"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/basket/delegate/internal/config"
	"github.com/basket/delegate/internal/derr"
)

// DefaultMaxAttempts bounds the total tries (first attempt included).
const DefaultMaxAttempts = 5

// Retryable classifies an error: connection resets, timeouts, rate
// limits, and busy resources are transient; everything structured as a
// validation/permission problem is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch derr.KindOf(err) {
	case derr.KindTimeout, derr.KindResourceExhausted, derr.KindInsufficientResources:
		return true
	case derr.KindInvalidInput, derr.KindInvalidOperation, derr.KindTaskNotFound,
		derr.KindDependencyCycle, derr.KindDependencyExists,
		derr.KindDepthExceeded, derr.KindFanoutExceeded:
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "broken pipe",
		"timeout", "timed out", "rate limit", "too many requests",
		"temporarily unavailable", "busy", "locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, marker := range []string{
		"unauthorized", "forbidden", "permission", "invalid", "conflict",
	} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return false
}

// Do runs op with exponential backoff per cfg until it succeeds, the
// attempt budget is spent, or a non-retryable error appears.
func Do(ctx context.Context, cfg config.Config, op func() error) error {
	return DoN(ctx, cfg, DefaultMaxAttempts, op)
}

// DoN is Do with an explicit attempt budget.
func DoN(ctx context.Context, cfg config.Config, maxAttempts int, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryInitialDelay()
	policy.MaxInterval = cfg.RetryMaxDelay()
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0 // attempts bound the loop, not wall time

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// MaxRetries counts re-tries, so the budget is attempts − 1.
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(wrapped, b)
}
