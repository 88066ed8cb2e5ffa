package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 200 * time.Millisecond
	DefaultMaxWait    = 5 * time.Second
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	notify     func(err error, wait time.Duration)
}

// Option configures Do
type Option func(*options)

// WithMaxRetries sets how many times a failed call is retried
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry. Later waits grow
// exponentially.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the wait between retries
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithNotify registers a callback invoked before each retry
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// runs out of retries or the context ends. The last error from fn is
// returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: DefaultMaxRetries,
		baseWait:   DefaultBaseWait,
		maxWait:    DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.baseWait
	exp.MaxInterval = max(o.maxWait, o.baseWait)
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.maxRetries)), ctx)

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, policy, o.notify)
}
