package resilience

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryBackoff is the pause before the first repeat. It doubles after each
// further failure.
var RetryBackoff = 250 * time.Millisecond

type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Transient() bool { return true }

// Transient marks err as worth retrying. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err may go away on its own: deadlines, network
// timeouts, and anything in the chain reporting Transient() == true, such as
// [llm.StatusError] for 429 and 5xx responses. Caller cancellation and open
// breakers are not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Retry calls fn up to attempts times, stopping at the first success, at the
// first error that is not [IsTransient], or when ctx ends. It returns the
// last error from fn.
func Retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	wait := RetryBackoff
	var err error
	for i := range attempts {
		if i > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
			wait *= 2
		}
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
