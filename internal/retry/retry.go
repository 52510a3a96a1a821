// Package retry runs remote store calls under a single linear backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"cinecredit/internal/model"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

// Policy retries an operation up to Attempts times in total, sleeping
// attempt*BaseDelay between tries. Errors for which Retryable returns false
// are returned immediately.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Retryable func(error) bool
	Logger    *zap.Logger
}

func Default(logger *zap.Logger) Policy {
	return Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		Logger:    logger,
	}
}

// Linear returns a backoff yielding base, 2*base, 3*base, ...
func Linear(base time.Duration) goretry.Backoff {
	var attempt int64
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * base, false
	})
}

// Do runs fn under the policy. When retries are exhausted the last error is
// returned wrapped in *model.TransientError.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return !model.IsPermanent(err) }
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backoff := goretry.WithMaxRetries(uint64(attempts-1), Linear(p.BaseDelay))

	tries := 0
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if tries < attempts {
			logger.Warn("operation failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", tries),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !retryable(err) {
		return err
	}
	return &model.TransientError{Op: op, Attempts: tries, Err: err}
}
