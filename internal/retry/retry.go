package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ledger-engine/internal/errors"
)

// Policy bounds how often and how fast transient failures are retried.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if appErr, ok := errors.As(err); ok && appErr.Transient() {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx))
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
