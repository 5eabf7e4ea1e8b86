package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/petal-labs/petaltodo/todo"
)

func newTestSQLiteStore(t *testing.T) *todo.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "todos.sqlite")
	store, err := todo.NewSQLiteStore(todo.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore(todos): %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// countingStore counts creates and can be told to fail them.
type countingStore struct {
	todo.Store
	creates atomic.Int64
	fail    atomic.Bool
}

func (s *countingStore) Create(ctx context.Context, in todo.CreateInput) (todo.Record, error) {
	s.creates.Add(1)
	if s.fail.Load() {
		return todo.Record{}, io.ErrUnexpectedEOF
	}
	return s.Store.Create(ctx, in)
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newTestSQLiteStore(t)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) apiErrorBody {
	t.Helper()
	return decodeJSON[apiError](t, w).Error
}

type syncBuffer struct {
	mu  chan struct{}
	buf bytes.Buffer
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{mu: make(chan struct{}, 1)}
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return b.buf.String()
}
