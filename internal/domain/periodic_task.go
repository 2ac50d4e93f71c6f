package domain

import "context"

// PeriodicTask performs one unit of scheduled work per Execute call. The host
// invokes it repeatedly and stops on cancellation.
type PeriodicTask interface {
	Name() string
	Execute(ctx context.Context) error
}
