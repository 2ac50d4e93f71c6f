// internal/api/http/counter_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CounterIncrementer records raw counter increments.
type CounterIncrementer interface {
	Increment(ctx context.Context, counter *domain.Counter) error
}

// CounterHandler handles HTTP requests that produce counter rows.
type CounterHandler struct {
	service  CounterIncrementer
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewCounterHandler creates a new CounterHandler and initializes the validator.
func NewCounterHandler(service CounterIncrementer, logger *slog.Logger) *CounterHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	return &CounterHandler{
		service:  service,
		logger:   logger.With("component", "counter-handler"),
		validate: validate,
		tracer:   otel.Tracer("distributed-repeater-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers counter routes to the http.ServeMux.
func (h *CounterHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/counters", h.instrument("/counters", http.HandlerFunc(h.handleCounters)))
}

func (h *CounterHandler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func (h *CounterHandler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.handleIncrement(w, r)
}

// handleIncrement handles POST /counters.
func (h *CounterHandler) handleIncrement(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.IncrementCounter")
	defer span.End()

	var req IncrementCounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fe := range fieldErrors {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	counter := req.ToDomainCounter(time.Now())
	span.SetAttributes(attribute.String("counter.key", counter.Key))

	if err := h.service.Increment(ctx, counter); err != nil {
		span.SetStatus(codes.Error, "Failed to increment counter")
		span.RecordError(err)
		switch {
		case errors.Is(err, domain.ErrInvalidCounter):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case domain.IsTimeout(err):
			h.logger.Warn("counter increment timed out", "key", counter.Key, "error", err)
			http.Error(w, "Storage is busy, retry later", http.StatusServiceUnavailable)
		case domain.IsCanceled(err):
			http.Error(w, "Request canceled", http.StatusServiceUnavailable)
		default:
			h.logger.Error("error incrementing counter", "key", counter.Key, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, counter)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
