package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	notify     func(err error, wait time.Duration)
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed attempt is retried. Zero means
// the function is attempted exactly once.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry. Later waits grow
// exponentially with jitter.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithNotify registers a function called before each retry.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retry budget is spent, or ctx is done. The last error is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   100 * time.Millisecond,
		maxWait:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.baseWait
	eb.MaxInterval = o.maxWait
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.maxRetries)), ctx)

	operation := func() error {
		err := fn()
		if err != nil && !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if o.notify != nil {
		return backoff.RetryNotify(operation, b, o.notify)
	}
	return backoff.Retry(operation, b)
}
