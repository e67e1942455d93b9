package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return nil
}

func fixedRateLimit(resetsIn time.Duration) RateLimitFunc {
	return func(context.Context) (*vcs.RateLimit, error) {
		return &vcs.RateLimit{Remaining: 0, ResetsIn: resetsIn}, nil
	}
}

func TestTooManyRequestsSleepsUntilReset(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(42*time.Second), WithSleepFunc(sr.Sleep))

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apierr.TooManyRequests(errors.New("403 rate limit"))
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{43 * time.Second, 43 * time.Second}, sr.sleeps)
}

func TestTooManyRequestsIsRetriedIndefinitely(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(0), WithSleepFunc(sr.Sleep), WithAttempts(2))

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls <= 20 {
			return apierr.TooManyRequests(nil)
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 21, calls)
	assert.Len(t, sr.sleeps, 20)
	assert.Equal(t, time.Second, sr.sleeps[0])
}

func TestTooManyRequestsUsesFallbackWhenRateLimitQueryFails(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(
		func(context.Context) (*vcs.RateLimit, error) {
			return nil, apierr.ConnectionFailed(errors.New("timeout"))
		},
		WithSleepFunc(sr.Sleep),
		WithRateLimitFallbackWait(5*time.Second),
	)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return apierr.TooManyRequests(nil)
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sr.sleeps)
}

func TestConnectionFailedRetriesAreLimited(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(0), WithSleepFunc(sr.Sleep), WithDelay(100*time.Millisecond))

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return apierr.ConnectionFailed(errors.New("connection refused"))
	}, nil)

	assert.ErrorIs(t, err, apierr.ErrConnectionFailed)
	assert.Equal(t, DefaultAttempts, calls)
	assert.Len(t, sr.sleeps, DefaultAttempts-1)

	for _, d := range sr.sleeps {
		assert.Equal(t, 100*time.Millisecond, d)
	}
}

func TestConnectionFailedSucceedsOnRetry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(0), WithSleepFunc(sr.Sleep))

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return apierr.ConnectionFailed(nil)
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSingleAttemptIsNotRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(0), WithSleepFunc(sr.Sleep), WithAttempts(1))

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return apierr.ConnectionFailed(nil)
	}, nil)

	assert.ErrorIs(t, err, apierr.ErrConnectionFailed)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sr.sleeps)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	sr := sleepRecorder{}
	r := New(fixedRateLimit(0), WithSleepFunc(sr.Sleep))

	for _, expectedErr := range []error{apierr.NotFound(nil), errors.New("other")} {
		var calls int
		err := r.Run(context.Background(), func(context.Context) error {
			calls++
			return expectedErr
		}, nil)

		assert.ErrorIs(t, err, expectedErr)
		assert.Equal(t, 1, calls)
	}

	assert.Empty(t, sr.sleeps)
}

func TestRunIsCancelledDuringSleep(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New(fixedRateLimit(time.Hour))

	ctx, cancelFn := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelFn()

	err := r.Run(ctx, func(context.Context) error {
		return apierr.TooManyRequests(nil)
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "2h17m23s", FormatDuration(2*time.Hour+17*time.Minute+23*time.Second+300*time.Millisecond))
	assert.Equal(t, "1s", FormatDuration(time.Second))
	assert.Equal(t, "0s", FormatDuration(0))
}
