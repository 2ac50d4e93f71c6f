package domain

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrInvalidCounter is returned for counters that cannot be stored.
var ErrInvalidCounter = errors.New("invalid counter")

// Counter is a raw counter fact produced by increment operations.
type Counter struct {
	ID       int64      `json:"id"`
	Key      string     `json:"key"`
	Value    int64      `json:"value"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// Validate checks if the counter can be stored.
func (c *Counter) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidCounter)
	}
	if utf8.RuneCountInString(c.Key) > MaxCounterKeyLength {
		return fmt.Errorf("%w: key longer than %d characters", ErrInvalidCounter, MaxCounterKeyLength)
	}
	if c.Value == 0 {
		return fmt.Errorf("%w: value cannot be zero", ErrInvalidCounter)
	}
	return nil
}

// MaxCounterKeyLength matches the width of the key columns, in characters.
const MaxCounterKeyLength = 100

// AggregatedCounter holds the running sum of all consumed counters for a key
// and the greatest expiry seen among them.
type AggregatedCounter struct {
	Key      string     `json:"key"`
	Value    int64      `json:"value"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}
