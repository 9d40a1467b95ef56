// Package retry runs disk operations with bounded exponential backoff and a
// per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/kbnotes/internal/apperr"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// Backoff is the delay before the second attempt; it doubles afterwards.
	Backoff time.Duration
	// Timeout bounds a single attempt. Zero means no bound.
	Timeout time.Duration
}

// DefaultPolicy is used when no configuration overrides it.
var DefaultPolicy = Policy{Attempts: 3, Backoff: 50 * time.Millisecond, Timeout: 5 * time.Second}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := Get(ctx, p, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Get is Do for operations that produce a value. An attempt that outlives
// Timeout is abandoned and reported as apperr.ErrIO; fn keeps running in the
// background until it returns and its result is discarded, so fn must not
// hold locks the caller needs.
func Get[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	delay := p.Backoff

	var zero T
	var last error
	for i := range attempts {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, errors.Join(last, ctx.Err())
			case <-t.C:
			}
			delay *= 2
		}

		v, err := attempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		last = err
		if ctx.Err() != nil {
			return zero, errors.Join(last, ctx.Err())
		}
	}
	return zero, last
}

type result[T any] struct {
	v   T
	err error
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout <= 0 {
		return fn()
	}
	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{v: v, err: err}
	}()

	var zero T
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-done:
		return r.v, r.err
	case <-t.C:
		return zero, apperr.New(apperr.ErrIO, "retry", "", "", fmt.Errorf("attempt timed out after %s", timeout))
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
