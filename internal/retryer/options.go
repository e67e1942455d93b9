package retryer

import "time"

type Option func(*Retryer)

// WithAttempts sets how often an operation is run at most when it fails
// with a connection error.
func WithAttempts(cnt uint64) Option {
	return func(r *Retryer) {
		r.attempts = cnt
	}
}

// WithDelay sets the time waited between retries of operations that failed
// with a connection error.
func WithDelay(d time.Duration) Option {
	return func(r *Retryer) {
		r.delay = d
	}
}

func WithRateLimitFallbackWait(d time.Duration) Option {
	return func(r *Retryer) {
		r.rateLimitFallback = d
	}
}

func WithSleepFunc(fn SleepFunc) Option {
	return func(r *Retryer) {
		r.sleep = fn
	}
}
