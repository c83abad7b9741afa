// Package retry runs an operation with bounded exponential backoff, retrying
// only the errors a caller-supplied predicate classifies as transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts        = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy bounds a retried operation.
type Policy struct {
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds each attempt; zero leaves attempts unbounded.
	AttemptTimeout time.Duration
	Retryable      Classifier
	OnRetry        func(err error, wait time.Duration)
}

// DefaultPolicy retries every error except context cancellation three times.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        DefaultAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Retryable:       NotCanceled,
	}
}

// NotCanceled treats everything but context cancellation as transient.
func NotCanceled(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do runs operation until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unwrapped.
func Do[T any](ctx context.Context, policy Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	exponential.MaxInterval = policy.MaxInterval

	options := []backoff.RetryOption{
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(policy.Attempts),
		backoff.WithMaxElapsedTime(0),
	}
	if policy.OnRetry != nil {
		options = append(options, backoff.WithNotify(backoff.Notify(policy.OnRetry)))
	}

	return backoff.Retry(ctx, func() (T, error) {
		attemptCtx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}
		result, err := operation(attemptCtx)
		if err == nil {
			return result, nil
		}
		if !policy.Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, options...)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, operation func(ctx context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

func (policy Policy) normalized() Policy {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultInitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultMaxInterval
	}
	if policy.Retryable == nil {
		policy.Retryable = NotCanceled
	}
	return policy
}
