package repeater

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes the pause before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Jittered grows linearly with the attempt and adds a random spread:
// Delay = attempt*Base + rand[0, attempt*Jitter).
type Jittered struct {
	Base   time.Duration
	Jitter time.Duration
}

// DefaultBackoff is the deadlock backoff: attempt*5ms + rand[0, attempt*25ms).
func DefaultBackoff() Jittered {
	return Jittered{Base: 5 * time.Millisecond, Jitter: 25 * time.Millisecond}
}

func (j Jittered) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := j.Base * time.Duration(attempt)
	if spread := int64(j.Jitter) * int64(attempt); spread > 0 {
		d += time.Duration(rand.Int64N(spread)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
