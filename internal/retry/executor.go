// Package retry absorbs the store's throttling responses by sleeping for the
// server-suggested backoff and re-running the operation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobstore/internal/store"
	"jobstore/pkg/logger"
)

const DefaultMaxAttempts = 3

var ErrRetriesExhausted = errors.New("retries exhausted")

type Operation func(ctx context.Context) error

type Executor struct {
	maxAttempts int
	log         *logger.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewExecutor(log *logger.Logger, maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{
		maxAttempts: maxAttempts,
		log:         log.WithComponent("retry"),
		sleep:       Sleep,
	}
}

// Do runs op, retrying throttled attempts up to the attempt cap. The result
// after the cap wraps ErrRetriesExhausted and the last throttling error.
func (e *Executor) Do(ctx context.Context, op Operation) error {
	return e.run(ctx, op, e.maxAttempts)
}

// DoUnbounded runs op, retrying throttled attempts until it succeeds, fails
// otherwise, or ctx is done.
func (e *Executor) DoUnbounded(ctx context.Context, op Operation) error {
	return e.run(ctx, op, 0)
}

func (e *Executor) run(ctx context.Context, op Operation, maxAttempts int) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		retryAfter, throttled := store.RetryAfter(err)
		if !throttled {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		e.log.Warn("Store throttled request, backing off",
			"retry_after", retryAfter,
			"attempt", attempt,
		)
		if err := e.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
