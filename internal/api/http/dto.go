package http

import (
	"time"

	"distributed-repeater/internal/domain"
)

// IncrementCounterRequest is the Data Transfer Object for recording a counter increment.
type IncrementCounterRequest struct {
	Key      string `json:"key" validate:"required,min=1,max=100"`
	Value    int64  `json:"value" validate:"required,ne=0"`
	ExpireIn string `json:"expire_in,omitempty" validate:"omitempty,duration"`
}

// ToDomainCounter converts the request to a domain.Counter, resolving the
// relative expiry against now.
func (r *IncrementCounterRequest) ToDomainCounter(now time.Time) *domain.Counter {
	counter := &domain.Counter{Key: r.Key, Value: r.Value}
	if r.ExpireIn != "" {
		d, _ := time.ParseDuration(r.ExpireIn)
		expireAt := now.Add(d)
		counter.ExpireAt = &expireAt
	}
	return counter
}
