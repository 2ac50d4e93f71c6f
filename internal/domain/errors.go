package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a deadline passes while retrying an action
	// or while waiting for a lock.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrCanceled is returned as soon as the cancellation signal is observed.
	ErrCanceled = errors.New("operation canceled")

	// ErrLockNotAcquired is the timeout returned by lock acquisition.
	ErrLockNotAcquired = fmt.Errorf("%w: lock not acquired", ErrTimeout)
)

// Canceled wraps the context error so that both errors.Is(err, ErrCanceled)
// and errors.Is(err, context.Canceled) hold.
func Canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// IsTimeout reports whether err is a timeout condition.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsCanceled reports whether err is a cancellation condition.
func IsCanceled(err error) bool { return errors.Is(err, ErrCanceled) }
