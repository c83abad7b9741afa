package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("503 from upstream")
	errFatal     = errors.New("prompt rejected")
)

func fastPolicy() Policy {
	return Policy{
		Attempts:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Retryable:       func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDoRetriesTransientErrors(test *testing.T) {
	test.Parallel()
	attempts := 0
	result, err := Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		test.Fatalf("expected ok, got %q (%v)", result, err)
	}
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	attempts := 0
	err := Run(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		test.Fatalf("expected transient error, got %v", err)
	}
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoFailsFastOnPermanentErrors(test *testing.T) {
	test.Parallel()
	attempts := 0
	err := Run(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		test.Fatalf("expected fatal error, got %v", err)
	}
	if attempts != 1 {
		test.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDoBoundsEachAttempt(test *testing.T) {
	test.Parallel()
	policy := fastPolicy()
	policy.AttemptTimeout = 5 * time.Millisecond
	policy.Retryable = func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
	attempts := 0
	err := Run(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		test.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 3 {
		test.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
