package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestNormalizeResources(t *testing.T) {
	tests := []struct {
		in   []Resource
		want []Resource
	}{
		{nil, []Resource{}},
		{[]Resource{ResourceCounter}, []Resource{ResourceCounter}},
		{
			[]Resource{ResourceCounter, "", ResourceAggregatedCounter, ResourceCounter},
			[]Resource{ResourceAggregatedCounter, ResourceCounter},
		},
	}
	for _, tt := range tests {
		if got := NormalizeResources(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("NormalizeResources(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	in := []Resource{ResourceLock, ResourceCounter}
	NormalizeResources(in)
	if in[0] != ResourceLock {
		t.Error("NormalizeResources modified its input")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !IsTimeout(ErrLockNotAcquired) {
		t.Error("ErrLockNotAcquired should be a timeout")
	}
	if IsCanceled(ErrLockNotAcquired) {
		t.Error("ErrLockNotAcquired should not be a cancellation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Canceled(ctx)
	if !IsCanceled(err) || !errors.Is(err, context.Canceled) {
		t.Errorf("Canceled(ctx) = %v, want ErrCanceled wrapping context.Canceled", err)
	}
	if IsTimeout(err) {
		t.Errorf("Canceled(ctx) reported as timeout: %v", err)
	}

	cause := errors.New("shutdown")
	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(cause)
	if err := Canceled(ctx); !errors.Is(err, cause) {
		t.Errorf("Canceled(ctx) = %v, want the cancellation cause", err)
	}

	if err := Canceled(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Canceled on a live context = %v", err)
	}
}

func TestCounter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		counter Counter
		wantErr bool
	}{
		{"valid", Counter{Key: "stats:succeeded", Value: 1}, false},
		{"negative", Counter{Key: "stats:succeeded", Value: -1}, false},
		{"empty key", Counter{Value: 1}, true},
		{"zero", Counter{Key: "k"}, true},
		{"long key", Counter{Key: strings.Repeat("k", MaxCounterKeyLength+1), Value: 1}, true},
		{"multibyte key at limit", Counter{Key: strings.Repeat("é", MaxCounterKeyLength), Value: 1}, false},
		{"multibyte key over limit", Counter{Key: strings.Repeat("é", MaxCounterKeyLength+1), Value: 1}, true},
	}
	for _, tt := range tests {
		err := tt.counter.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidCounter) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidCounter", tt.name, err)
		}
	}
}

func TestExecutionRecord_Finish(t *testing.T) {
	tests := []struct {
		err  error
		want ExecutionStatus
	}{
		{nil, ExecutionStatusSuccess},
		{errors.New("boom"), ExecutionStatusFailed},
		{fmt.Errorf("aggregate: %w", ErrLockNotAcquired), ExecutionStatusTimeout},
		{fmt.Errorf("%w: %w", ErrCanceled, context.Canceled), ExecutionStatusCanceled},
	}
	for _, tt := range tests {
		r := &ExecutionRecord{StartTime: time.Now().Add(-time.Second), Status: ExecutionStatusRunning}
		r.Finish(tt.err)
		if r.Status != tt.want {
			t.Errorf("Finish(%v) status = %s, want %s", tt.err, r.Status, tt.want)
		}
		if (tt.err != nil) != (r.Error != "") {
			t.Errorf("Finish(%v) error field = %q", tt.err, r.Error)
		}
		if r.Duration() < time.Second {
			t.Errorf("Duration() = %v, want at least 1s", r.Duration())
		}
	}
}
