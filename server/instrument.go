package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/petal-labs/petaltodo/stats"
)

const (
	// RequestIDHeader carries the correlation id on every response.
	RequestIDHeader = "X-Request-ID"
	// ProcessTimeHeader carries the handler duration, e.g. "12.34ms".
	ProcessTimeHeader = "X-Process-Time"

	requestIDPrefix = "req_"
)

// RequestObservation captures one completed or failed request.
type RequestObservation struct {
	// Context carries any trace context propagated by the caller.
	Context   context.Context
	RequestID string
	Method    string
	Endpoint  string
	Status    int
	Start     time.Time
	Duration  time.Duration
	Failed    bool
	ErrorType string
}

// Observer receives request-level observability events.
type Observer interface {
	ObserveRequest(observation RequestObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(RequestObservation) {}

// requestIDGenerator issues "req_<unix micros>" ids. Ids are strictly
// increasing, so two requests in the same microsecond still differ.
type requestIDGenerator struct {
	now  func() time.Time
	mu   sync.Mutex
	last int64
}

func newRequestIDGenerator(now func() time.Time) *requestIDGenerator {
	return &requestIDGenerator{now: now}
}

func (g *requestIDGenerator) Next() string {
	micros := g.now().UnixMicro()
	g.mu.Lock()
	if micros <= g.last {
		micros = g.last + 1
	}
	g.last = micros
	g.mu.Unlock()
	return requestIDPrefix + strconv.FormatInt(micros, 10)
}

// FormatDuration renders a duration as milliseconds with two decimals.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

// instrumentWriter records the status code and stamps the duration header
// right before the header block is sent.
type instrumentWriter struct {
	http.ResponseWriter
	start       time.Time
	now         func() time.Time
	status      int
	wroteHeader bool
}

func (w *instrumentWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.Header().Set(ProcessTimeHeader, FormatDuration(w.now().Sub(w.start)))
	w.ResponseWriter.WriteHeader(status)
}

func (w *instrumentWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *instrumentWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *instrumentWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// instrumentMiddleware assigns a correlation id, logs received/completed/failed
// events, feeds the aggregator and turns a handler panic into a generic 500
// that carries the correlation id but none of the diagnostic detail.
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		requestID := s.ids.Next()
		w.Header().Set(RequestIDHeader, requestID)
		r = r.WithContext(otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header)))

		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "request received",
			slog.String("event", "request_received"),
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("client", clientOrigin(r)),
		)

		iw := &instrumentWriter{ResponseWriter: w, start: start, now: s.now}

		defer func() {
			recovered := recover()
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			duration := s.now().Sub(start)
			endpoint := endpointPath(r)

			if recovered != nil {
				s.handleFault(iw, r, requestID, endpoint, start, duration, recovered)
				return
			}

			status := iw.status
			if !iw.wroteHeader {
				status = http.StatusOK
			}
			s.stats.RecordRequest(endpoint, r.Method, status, duration)
			if status >= http.StatusInternalServerError {
				s.stats.RecordError(endpoint, r.Method, stats.Fault{
					Type:    "HTTPError",
					Message: fmt.Sprintf("%d %s", status, http.StatusText(status)),
				})
			}
			s.observer.ObserveRequest(RequestObservation{
				Context:   r.Context(),
				RequestID: requestID,
				Method:    r.Method,
				Endpoint:  endpoint,
				Status:    status,
				Start:     start,
				Duration:  duration,
				Failed:    status >= http.StatusInternalServerError,
			})
			s.logger.LogAttrs(r.Context(), levelForStatus(status), "request completed",
				slog.String("event", "request_completed"),
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("client", clientOrigin(r)),
				slog.Int("status", status),
				slog.Float64("duration_ms", durationMS(duration)),
			)
		}()

		next.ServeHTTP(iw, r)
	})
}

func (s *Server) handleFault(w *instrumentWriter, r *http.Request, requestID, endpoint string, start time.Time, duration time.Duration, recovered any) {
	fault := stats.Fault{
		Type:    fmt.Sprintf("%T", recovered),
		Message: fmt.Sprint(recovered),
		Trace:   string(debug.Stack()),
	}
	if err, ok := recovered.(error); ok {
		fault.Message = err.Error()
	}

	s.stats.RecordRequest(endpoint, r.Method, http.StatusInternalServerError, duration)
	s.stats.RecordError(endpoint, r.Method, fault)
	s.observer.ObserveRequest(RequestObservation{
		Context:   r.Context(),
		RequestID: requestID,
		Method:    r.Method,
		Endpoint:  endpoint,
		Status:    http.StatusInternalServerError,
		Start:     start,
		Duration:  duration,
		Failed:    true,
		ErrorType: fault.Type,
	})
	s.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("event", "request_failed"),
		slog.String("request_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("client", clientOrigin(r)),
		slog.String("error_type", fault.Type),
		slog.String("error_message", fault.Message),
		slog.String("trace", fault.Trace),
		slog.Float64("duration_ms", durationMS(duration)),
	)

	if w.wroteHeader {
		// Headers are gone; the client sees a truncated response.
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred. Please try again later.")
}

// UnmatchedEndpoint is the endpoint key for requests no route matched, so
// arbitrary paths cannot grow the per-endpoint statistics.
const UnmatchedEndpoint = "<unmatched>"

// endpointPath prefers the matched route pattern so that /todos/1 and
// /todos/2 share one key.
func endpointPath(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return UnmatchedEndpoint
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	if trimmed := strings.TrimSuffix(pattern, "{$}"); trimmed != "" {
		pattern = trimmed
	}
	return pattern
}

func clientOrigin(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
