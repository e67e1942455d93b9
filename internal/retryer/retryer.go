// Package retryer runs hosting service API calls repeatedly when they fail
// because of connection errors or exceeded rate limits.
package retryer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

const loggerName = "retryer"

const (
	DefaultAttempts = 5
	DefaultDelay    = time.Second
	// DefaultRateLimitFallbackWait is the time that is waited when the
	// API rate limit is exceeded and querying the rate limit state
	// failed.
	DefaultRateLimitFallbackWait = time.Minute
)

// RateLimitFunc returns the current rate limit state of a hosting service.
type RateLimitFunc func(context.Context) (*vcs.RateLimit, error)

// SleepFunc blocks for d or until ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retryer executes a function repeatedly until it was successful or a
// not retryable error happened.
// Operations failing with apierr.ErrConnectionFailed are retried a limited
// number of times with a constant delay.
// Operations failing with apierr.ErrTooManyRequests are retried
// indefinitely, before each retry it waits until the rate limit resets.
type Retryer struct {
	logger    *zap.Logger
	rateLimit RateLimitFunc
	sleep     SleepFunc

	attempts          uint64
	delay             time.Duration
	rateLimitFallback time.Duration
}

func New(rateLimit RateLimitFunc, opts ...Option) *Retryer {
	r := Retryer{
		logger:            zap.L().Named(loggerName),
		rateLimit:         rateLimit,
		sleep:             sleep,
		attempts:          DefaultAttempts,
		delay:             DefaultDelay,
		rateLimitFallback: DefaultRateLimitFallbackWait,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes fn until it was successful, it returned an error that is
// not retryable, the retry attempts for connection errors are exhausted or
// ctx was cancelled.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	// WithMaxRetries returns attempts-1 delays, afterwards backoff.Stop.
	// A max value of 0 means unlimited for WithMaxRetries, therefore it
	// is only used for more than 1 attempt.
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if r.attempts > 1 {
		bo = backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), r.attempts-1)
	}

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		err := fn(ctx)
		if err == nil {
			return nil
		}

		logger = logger.With(zap.Error(err))

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err

		case errors.Is(err, apierr.ErrTooManyRequests):
			wait := r.rateLimitWait(ctx, logger)

			metrics.RateLimitWaitsInc()
			logger.Warn(
				fmt.Sprintf("api rate limit exceeded, retrying in %s", FormatDuration(wait)),
				logfields.Event("api_rate_limit_exceeded"),
				zap.Duration("retry_in", wait),
			)

			if err := r.sleep(ctx, wait); err != nil {
				return err
			}

		case errors.Is(err, apierr.ErrConnectionFailed):
			retryIn := bo.NextBackOff()
			if retryIn == backoff.Stop {
				logger.Warn(
					"operation failed, retry attempts exhausted",
					logfields.Event("api_operation_retries_exhausted"),
				)

				return err
			}

			metrics.ConnectionRetriesInc()
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("api_operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

			if err := r.sleep(ctx, retryIn); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// rateLimitWait returns the duration until the API rate limit is reset plus
// one second.
func (r *Retryer) rateLimitWait(ctx context.Context, logger *zap.Logger) time.Duration {
	rl, err := r.rateLimit(ctx)
	if err != nil {
		logger.Warn(
			"querying api rate limit failed, using fallback wait time",
			logfields.Event("api_rate_limit_query_failed"),
			zap.NamedError("rate_limit_error", err),
			zap.Duration("fallback_wait", r.rateLimitFallback),
		)

		return r.rateLimitFallback
	}

	resetsIn := rl.ResetsIn
	if resetsIn < 0 {
		resetsIn = 0
	}

	return resetsIn + time.Second
}

// FormatDuration formats d rounded to seconds, e.g. "2h17m23s".
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
