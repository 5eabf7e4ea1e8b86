package tool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petaltodo/apiclient"
	"github.com/petal-labs/petaltodo/server"
	"github.com/petal-labs/petaltodo/stats"
	"github.com/petal-labs/petaltodo/todo"
	"github.com/petal-labs/petaltodo/tool"
)

type stack struct {
	dispatcher *tool.Dispatcher
	stats      *stats.Aggregator
	client     *apiclient.Client
}

func newStack(t *testing.T) stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := todo.NewSQLiteStore(todo.SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "todos.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv, err := server.NewServer(server.ServerConfig{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := apiclient.New(apiclient.Config{BaseURL: ts.URL, Timeout: 5 * time.Second, Logger: logger})
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	d, err := tool.NewDispatcher(tool.DispatcherConfig{Backend: client, Logger: logger})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return stack{dispatcher: d, stats: srv.Stats(), client: client}
}

func (s stack) call(t *testing.T, name, args string) tool.Envelope {
	t.Helper()
	return s.dispatcher.DispatchJSON(t.Context(), name, json.RawMessage(args))
}

func TestEndToEnd_CreateTrimsAndPersists(t *testing.T) {
	s := newStack(t)

	env := s.call(t, "create", `{"title":"  Buy milk  ","description":"  2 liters  "}`)
	if !env.Success() {
		t.Fatalf("create failed: %+v", env.Err)
	}
	rec := env.Data.(todo.Record)
	if rec.Title != "Buy milk" || rec.Description == nil || *rec.Description != "2 liters" {
		t.Fatalf("record = %+v", rec)
	}
	if env.Message != fmt.Sprintf("Todo created successfully with ID %d", rec.ID) {
		t.Fatalf("message = %q", env.Message)
	}

	got := s.call(t, "get", fmt.Sprintf(`{"id":%d}`, rec.ID))
	if !got.Success() || got.Data.(todo.Record).Title != "Buy milk" {
		t.Fatalf("get = %+v", got)
	}
}

func TestEndToEnd_WhitespaceTitleNeverReachesService(t *testing.T) {
	s := newStack(t)

	env := s.call(t, "create", `{"title":"   "}`)
	if env.Kind() != todo.KindValidation {
		t.Fatalf("kind = %s, want validation_error", env.Kind())
	}
	if total := s.stats.Snapshot().Metrics.TotalRequests; total != 0 {
		t.Fatalf("service saw %d requests, want 0", total)
	}
}

func TestEndToEnd_MissingRecord(t *testing.T) {
	s := newStack(t)

	for _, name := range []string{"get", "delete", "mark_complete"} {
		env := s.call(t, name, `{"id":9999}`)
		if env.Kind() != todo.KindNotFound {
			t.Fatalf("%s kind = %s, want not_found", name, env.Kind())
		}
		if env.Err.Message != "Todo with ID 9999 not found" {
			t.Fatalf("%s message = %q", name, env.Err.Message)
		}
	}

	env := s.call(t, "update", `{"id":9999}`)
	if env.Kind() != todo.KindValidation {
		t.Fatalf("empty update kind = %s, want validation_error", env.Kind())
	}
}

func TestEndToEnd_NegativeIDsAreNotFound(t *testing.T) {
	s := newStack(t)

	for _, tc := range []struct{ name, args string }{
		{"get", `{"id":-5}`},
		{"update", `{"id":-5,"title":"x"}`},
		{"delete", `{"id":-5}`},
		{"mark_incomplete", `{"todo_id":-5}`},
	} {
		env := s.call(t, tc.name, tc.args)
		if env.Kind() != todo.KindNotFound {
			t.Fatalf("%s(%s) kind = %s, want not_found", tc.name, tc.args, env.Kind())
		}
		if env.Err.Message != "Todo with ID -5 not found" {
			t.Fatalf("%s message = %q", tc.name, env.Err.Message)
		}
	}
	if total := s.stats.Snapshot().Metrics.TotalRequests; total != 4 {
		t.Fatalf("service saw %d requests, want 4", total)
	}

	env := s.call(t, "update", `{"id":-5}`)
	if env.Kind() != todo.KindValidation {
		t.Fatalf("empty update kind = %s, want validation_error", env.Kind())
	}
}

func TestEndToEnd_MarkIgnoresUndeclaredArguments(t *testing.T) {
	s := newStack(t)

	created := s.call(t, "create", `{"title":"Keep me"}`)
	if !created.Success() {
		t.Fatalf("create failed: %+v", created.Err)
	}
	id := created.Data.(todo.Record).ID

	env := s.call(t, "mark_complete", fmt.Sprintf(`{"id":%d,"title":"Renamed","favorite":true}`, id))
	if !env.Success() {
		t.Fatalf("mark_complete failed: %+v", env.Err)
	}
	rec := s.call(t, "get", fmt.Sprintf(`{"id":%d}`, id)).Data.(todo.Record)
	if !rec.Completed || rec.Title != "Keep me" || rec.Favorite {
		t.Fatalf("record = %+v, want only completed changed", rec)
	}
}

func TestEndToEnd_LifecycleThroughSugarOperations(t *testing.T) {
	s := newStack(t)

	created := s.call(t, "create", `{"title":"Write report"}`)
	id := created.Data.(todo.Record).ID

	done := s.call(t, "mark_complete", fmt.Sprintf(`{"id":%d}`, id))
	if !done.Success() || !done.Data.(todo.Record).Completed {
		t.Fatalf("mark_complete = %+v", done)
	}
	if done.Message != fmt.Sprintf("Todo %d updated successfully", id) {
		t.Fatalf("mark_complete message = %q", done.Message)
	}

	listed := s.call(t, "list", `{"completed":true}`)
	if listed.Message != "Found 1 todo(s) (completed)" {
		t.Fatalf("list message = %q", listed.Message)
	}
	pending := s.call(t, "list", `{"completed":false}`)
	if pending.Message != "No todos found" {
		t.Fatalf("pending list message = %q", pending.Message)
	}

	undone := s.call(t, "mark_incomplete", fmt.Sprintf(`{"id":%d}`, id))
	if undone.Data.(todo.Record).Completed {
		t.Fatalf("mark_incomplete left record completed")
	}

	deleted := s.call(t, "delete", fmt.Sprintf(`{"id":%d}`, id))
	if !deleted.Success() || deleted.Data != nil {
		t.Fatalf("delete = %+v", deleted)
	}
	if gone := s.call(t, "get", fmt.Sprintf(`{"id":%d}`, id)); gone.Kind() != todo.KindNotFound {
		t.Fatalf("get after delete kind = %s", gone.Kind())
	}
}

func TestEndToEnd_StatsCountCreates(t *testing.T) {
	s := newStack(t)

	for i := range 3 {
		if env := s.call(t, "create", fmt.Sprintf(`{"title":"task %d"}`, i)); !env.Success() {
			t.Fatalf("create %d failed: %+v", i, env.Err)
		}
	}

	metrics := s.stats.Snapshot().Metrics
	if got := metrics.EndpointStats["POST /todos"]; got != 3 {
		t.Fatalf("POST /todos count = %d, want 3", got)
	}
	if got := metrics.ResponseTimes["POST /todos"].Count; got != 3 {
		t.Fatalf("response time count = %d, want 3", got)
	}
	if metrics.TotalErrors != 0 {
		t.Fatalf("total errors = %d", metrics.TotalErrors)
	}
}

func TestEndToEnd_ConcurrentCreatesAreAllCounted(t *testing.T) {
	s := newStack(t)

	const n = 25
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := s.dispatcher.DispatchJSON(context.Background(), "create_todo", json.RawMessage(fmt.Sprintf(`{"title":"item %d"}`, i)))
			if !env.Success() {
				t.Errorf("create %d failed: %+v", i, env.Err)
				return
			}
			ids <- env.Data.(todo.Record).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("created %d records, want %d", len(seen), n)
	}
	if got := s.stats.Snapshot().Metrics.EndpointStats["POST /todos"]; got != n {
		t.Fatalf("POST /todos count = %d, want %d", got, n)
	}
}

func TestEndToEnd_RetriedCreateWithKeyIsReplayed(t *testing.T) {
	s := newStack(t)

	first := s.call(t, "create", `{"title":"once","idempotency_key":"retry-1"}`)
	second := s.call(t, "create", `{"title":"once","idempotency_key":"retry-1"}`)
	if !first.Success() || !second.Success() {
		t.Fatalf("create failed: %+v / %+v", first.Err, second.Err)
	}
	if first.Data.(todo.Record).ID != second.Data.(todo.Record).ID {
		t.Fatal("retried create produced a second record")
	}
	listed := s.call(t, "list", `{}`)
	if n := len(listed.Data.([]todo.Record)); n != 1 {
		t.Fatalf("list returned %d records, want 1", n)
	}
}

func TestEndToEnd_TransportFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	closedURL := "http://" + listener.Addr().String()
	_ = listener.Close()

	tests := []struct {
		name    string
		baseURL string
		timeout time.Duration
		want    todo.ErrorKind
	}{
		{name: "timeout", baseURL: slow.URL, timeout: 50 * time.Millisecond, want: todo.KindTimeout},
		{name: "connection refused", baseURL: closedURL, timeout: time.Second, want: todo.KindConnection},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, err := apiclient.New(apiclient.Config{BaseURL: tc.baseURL, Timeout: tc.timeout, Logger: logger})
			if err != nil {
				t.Fatalf("apiclient.New() error = %v", err)
			}
			defer client.Close()

			d, err := tool.NewDispatcher(tool.DispatcherConfig{Backend: client, Logger: logger})
			if err != nil {
				t.Fatalf("NewDispatcher() error = %v", err)
			}
			env := d.DispatchJSON(t.Context(), "list", nil)
			if env.Kind() != tc.want {
				t.Fatalf("kind = %s, want %s (%+v)", env.Kind(), tc.want, env.Err)
			}
		})
	}
}
