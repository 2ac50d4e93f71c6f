package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"distributed-repeater/internal/domain"
)

type fakeIncrementer struct {
	got []domain.Counter
	err error
}

func (f *fakeIncrementer) Increment(_ context.Context, c *domain.Counter) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, *c)
	return nil
}

func newTestMux(svc CounterIncrementer) *http.ServeMux {
	mux := http.NewServeMux()
	NewCounterHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(mux)
	return mux
}

func post(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/counters", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCounterHandler_Increment(t *testing.T) {
	svc := &fakeIncrementer{}
	mux := newTestMux(svc)

	before := time.Now()
	rec := post(mux, `{"key":"stats:succeeded","value":3,"expire_in":"1h"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(svc.got) != 1 {
		t.Fatalf("service called %d times, want 1", len(svc.got))
	}
	c := svc.got[0]
	if c.Key != "stats:succeeded" || c.Value != 3 {
		t.Errorf("counter = %+v", c)
	}
	if c.ExpireAt == nil || c.ExpireAt.Before(before.Add(time.Hour)) {
		t.Errorf("ExpireAt = %v, want about an hour from now", c.ExpireAt)
	}

	var body domain.Counter
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Key != "stats:succeeded" {
		t.Errorf("response = %+v", body)
	}
}

func TestCounterHandler_AcceptsMultibyteKeys(t *testing.T) {
	svc := &fakeIncrementer{}
	key := strings.Repeat("é", 60)

	rec := post(newTestMux(svc), `{"key":"`+key+`","value":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(svc.got) != 1 || svc.got[0].Key != key {
		t.Errorf("stored counters = %+v", svc.got)
	}
}

func TestCounterHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero value", `{"key":"k","value":0}`},
		{"missing key", `{"value":1}`},
		{"bad expiry", `{"key":"k","value":1,"expire_in":"soon"}`},
		{"long key", `{"key":"` + strings.Repeat("k", 101) + `","value":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeIncrementer{}
			rec := post(newTestMux(svc), tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "Validation failed") {
				t.Errorf("body = %s", rec.Body.String())
			}
			if len(svc.got) != 0 {
				t.Error("service called for an invalid request")
			}
		})
	}
}

func TestCounterHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", domain.ErrLockNotAcquired, http.StatusServiceUnavailable},
		{"canceled", domain.ErrCanceled, http.StatusServiceUnavailable},
		{"invalid counter", fmt.Errorf("%w: key cannot be empty", domain.ErrInvalidCounter), http.StatusBadRequest},
		{"storage", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(newTestMux(&fakeIncrementer{err: tt.err}), `{"key":"k","value":1}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCounterHandler_BadRequests(t *testing.T) {
	mux := newTestMux(&fakeIncrementer{})

	if rec := post(mux, `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/counters", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}
