package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/petaltodo/stats"
	"github.com/petal-labs/petaltodo/todo"
)

// HealthCheck checks one named component for the health endpoint.
type HealthCheck func(r *http.Request) error

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store        todo.Store
	Stats        *stats.Aggregator
	Observer     Observer
	HealthChecks map[string]HealthCheck
	Idempotency  IdempotencyConfig
	CORSOrigin   string
	MaxBody      int64
	Version      string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server is the todo CRUD HTTP API server.
type Server struct {
	store        todo.Store
	stats        *stats.Aggregator
	observer     Observer
	healthChecks map[string]HealthCheck
	idempotency  *idempotencyCache
	ids          *requestIDGenerator
	registry     *prometheus.Registry
	corsOrigin   string
	maxBody      int64
	version      string
	logger       *slog.Logger
	now          func() time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	aggregator := cfg.Stats
	if aggregator == nil {
		aggregator = stats.New(stats.Config{Now: now})
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(stats.NewCollector(aggregator, "petaltodo")); err != nil {
		return nil, err
	}

	s := &Server{
		store:        cfg.Store,
		stats:        aggregator,
		observer:     observer,
		healthChecks: make(map[string]HealthCheck, len(cfg.HealthChecks)+1),
		idempotency:  newIdempotencyCache(cfg.Idempotency, now),
		ids:          newRequestIDGenerator(now),
		registry:     registry,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		version:      version,
		logger:       logger,
		now:          now,
	}
	s.healthChecks["storage"] = func(r *http.Request) error {
		return s.store.Ping(r.Context())
	}
	for name, check := range cfg.HealthChecks {
		if check != nil {
			s.healthChecks[name] = check
		}
	}
	return s, nil
}

// Stats returns the aggregator fed by this server.
func (s *Server) Stats() *stats.Aggregator {
	return s.stats
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.idempotencyMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.instrumentMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /todos", s.handleCreateTodo)
	mux.HandleFunc("GET /todos", s.handleListTodos)
	mux.HandleFunc("GET /todos/{id}", s.handleGetTodo)
	mux.HandleFunc("PUT /todos/{id}", s.handleUpdateTodo)
	mux.HandleFunc("DELETE /todos/{id}", s.handleDeleteTodo)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdempotencyKeyHeader)
		w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader+", "+ProcessTimeHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:      code,
			Message:   message,
			RequestID: w.Header().Get(RequestIDHeader),
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
