// internal/domain/locker.go
package domain

import (
	"context"
	"time"
)

// Lock represents an acquired set of cluster-wide resources.
type Lock interface {
	// Resources returns the normalized resource set held by this lock.
	Resources() []Resource
	// Release deletes the lock rows. It is safe to call more than once and
	// still releases when ctx is already cancelled.
	Release(ctx context.Context) error
}

// Locker defines the named-lock primitive shared by every process that
// connects to the same store.
type Locker interface {
	// TestMany reports whether none of the resources currently has a live lock.
	// It never changes state.
	TestMany(ctx context.Context, resources ...Resource) (bool, error)

	// AcquireOne is AcquireMany for a single resource.
	AcquireOne(ctx context.Context, timeout time.Duration, resource Resource) (Lock, error)

	// AcquireMany blocks until all resources are acquired at once, the timeout
	// elapses (ErrLockNotAcquired) or ctx is cancelled (ErrCanceled).
	// A partial acquisition is never visible to other callers.
	AcquireMany(ctx context.Context, timeout time.Duration, resources ...Resource) (Lock, error)
}
