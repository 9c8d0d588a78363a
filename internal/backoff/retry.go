package backoff

import (
	"context"
	"time"

	"github.com/stagerun-org/stagerun/internal/logger"
)

type (
	// Operation to retry.
	Operation func(ctx context.Context) error

	// IsRetriableFunc defines a function that checks if an error is retriable.
	IsRetriableFunc func(err error) bool
)

// Retry executes the operation with retry logic based on the provided policy.
// If isRetriable is nil, all errors are considered retriable.
func Retry(ctx context.Context, op Operation, policy RetryPolicy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)
	attempt := 0

	for {
		attempt++

		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !isRetriable(err) {
			return err
		}

		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			return err
		}
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}

		logger.Debug(ctx, "Retryable operation failed; scheduling retry",
			"attempt", attempt, "next_attempt_in", interval, "err", err)

		if err := waitWithContext(ctx, interval); err != nil {
			return err
		}
	}
}

func waitWithContext(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
