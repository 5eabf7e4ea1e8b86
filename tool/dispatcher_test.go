package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/petal-labs/petaltodo/apiclient"
	"github.com/petal-labs/petaltodo/todo"
)

// memoryBackend serves the Backend contract from an in-memory store and
// records every call that reaches it.
type memoryBackend struct {
	store *todo.MemoryStore

	mu        sync.Mutex
	calls     []string
	keys      []string
	err       error
	panicWith any
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{store: todo.NewMemoryStore(nil)}
}

func (b *memoryBackend) record(ctx context.Context, call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	key, _ := apiclient.IdempotencyKey(ctx)
	b.keys = append(b.keys, key)
	if b.panicWith != nil {
		panic(b.panicWith)
	}
	return b.err
}

func (b *memoryBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *memoryBackend) CreateTodo(ctx context.Context, in todo.CreateInput) (todo.Record, error) {
	if err := b.record(ctx, "create"); err != nil {
		return todo.Record{}, err
	}
	return b.store.Create(ctx, in)
}

func (b *memoryBackend) ListTodos(ctx context.Context, filter todo.ListFilter) ([]todo.Record, error) {
	if err := b.record(ctx, "list"); err != nil {
		return nil, err
	}
	return b.store.List(ctx, filter)
}

func (b *memoryBackend) GetTodo(ctx context.Context, id int64) (todo.Record, error) {
	if err := b.record(ctx, "get"); err != nil {
		return todo.Record{}, err
	}
	rec, ok, err := b.store.Get(ctx, id)
	if err != nil {
		return todo.Record{}, err
	}
	if !ok {
		return todo.Record{}, todo.NotFound(id)
	}
	return rec, nil
}

func (b *memoryBackend) UpdateTodo(ctx context.Context, id int64, patch todo.Patch) (todo.Record, error) {
	if err := b.record(ctx, "update"); err != nil {
		return todo.Record{}, err
	}
	rec, err := b.store.Update(ctx, id, patch)
	if errors.Is(err, todo.ErrNotFound) {
		return todo.Record{}, todo.NotFound(id)
	}
	return rec, err
}

func (b *memoryBackend) DeleteTodo(ctx context.Context, id int64) error {
	if err := b.record(ctx, "delete"); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, id); errors.Is(err, todo.ErrNotFound) {
		return todo.NotFound(id)
	} else if err != nil {
		return err
	}
	return nil
}

type recordingObserver struct {
	mu           sync.Mutex
	observations []DispatchObservation
}

func (o *recordingObserver) ObserveDispatch(obs DispatchObservation) {
	o.mu.Lock()
	o.observations = append(o.observations, obs)
	o.mu.Unlock()
}

func newTestDispatcher(t *testing.T, backend Backend, observer Observer) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Backend:  backend,
		Observer: observer,
		Logger:   slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func requireKind(t *testing.T, env Envelope, want todo.ErrorKind) {
	t.Helper()
	if env.Success() {
		t.Fatalf("expected %s, got success %+v", want, env)
	}
	if env.Kind() != want {
		t.Fatalf("kind = %s (%s), want %s", env.Kind(), env.Err.Message, want)
	}
}

func requireSuccess(t *testing.T, env Envelope) {
	t.Helper()
	if !env.Success() {
		t.Fatalf("expected success, got %s: %s", env.Kind(), env.Err.Message)
	}
}

func TestNewDispatcherRequiresBackend(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatal("expected error for nil backend")
	}
}

func TestWhitespaceTitlesNeverReachTransport(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)
	ctx := t.Context()

	for _, title := range []string{"", " ", "   ", "\t", "\n\t  \r\n", "  "} {
		env := d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": title}})
		requireKind(t, env, todo.KindValidation)
		if env.Err.Message != "Title cannot be empty or just whitespace" {
			t.Fatalf("create(%q) message = %q", title, env.Err.Message)
		}

		env = d.Dispatch(ctx, Invocation{Name: "update", Arguments: Arguments{"id": 1, "title": title}})
		requireKind(t, env, todo.KindValidation)
	}
	if got := backend.callCount(); got != 0 {
		t.Fatalf("backend calls = %d, want 0", got)
	}
}

func TestCreateValidationScenarios(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)

	tests := []struct {
		name    string
		args    Arguments
		message string
	}{
		{name: "missing title", args: Arguments{}, message: "Title cannot be empty or just whitespace"},
		{name: "null title", args: Arguments{"title": nil}, message: "Title cannot be empty or just whitespace"},
		{name: "empty title", args: Arguments{"title": ""}, message: "Title cannot be empty or just whitespace"},
		{name: "title over 200", args: Arguments{"title": strings.Repeat("x", 201)}, message: "Title must be 200 characters or less"},
		{name: "description over 1000", args: Arguments{"title": "ok", "description": strings.Repeat("d", 1001)}, message: "Description must be 1000 characters or less"},
		{name: "title wrong type", args: Arguments{"title": 12}, message: "title must be a string"},
		{name: "completed wrong type", args: Arguments{"title": "ok", "completed": "yes"}, message: "completed must be a boolean"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := d.Dispatch(t.Context(), Invocation{Name: "create", Arguments: tt.args})
			requireKind(t, env, todo.KindValidation)
			if env.Err.Message != tt.message {
				t.Fatalf("message = %q, want %q", env.Err.Message, tt.message)
			}
		})
	}
	if got := backend.callCount(); got != 0 {
		t.Fatalf("backend calls = %d, want 0", got)
	}
}

func TestCreateTrimsAndBoundsAfterTrim(t *testing.T) {
	d := newTestDispatcher(t, newMemoryBackend(), nil)
	ctx := t.Context()

	env := d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "  Buy milk  ", "description": "  2 litres "}})
	requireSuccess(t, env)
	rec := env.Data.(todo.Record)
	if rec.Title != "Buy milk" || rec.Description == nil || *rec.Description != "2 litres" {
		t.Fatalf("record = %+v", rec)
	}
	if env.Message != "Todo created successfully with ID 1" {
		t.Fatalf("message = %q", env.Message)
	}

	padded := "  " + strings.Repeat("x", todo.MaxTitleLength) + "  "
	requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": padded}}))

	runes := strings.Repeat("é", todo.MaxTitleLength)
	requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": runes}}))
}

func TestNotFoundIsAlwaysNotFound(t *testing.T) {
	d := newTestDispatcher(t, newMemoryBackend(), nil)
	ctx := t.Context()

	for _, inv := range []Invocation{
		{Name: "get", Arguments: Arguments{"id": 9999}},
		{Name: "update", Arguments: Arguments{"id": 9999, "title": "x"}},
		{Name: "delete", Arguments: Arguments{"id": 9999}},
		{Name: "mark_complete", Arguments: Arguments{"id": 9999}},
		{Name: "mark_incomplete", Arguments: Arguments{"id": 9999}},
	} {
		env := d.Dispatch(ctx, inv)
		requireKind(t, env, todo.KindNotFound)
		if env.Err.Message != "Todo with ID 9999 not found" {
			t.Fatalf("%s message = %q", inv.Name, env.Err.Message)
		}
	}
}

func TestUpdateWithoutFieldsIsValidationNotNotFound(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)

	for _, args := range []Arguments{
		{"id": 9999},
		{"id": 9999, "title": nil, "unknown": "ignored"},
	} {
		env := d.Dispatch(t.Context(), Invocation{Name: "update", Arguments: args})
		requireKind(t, env, todo.KindValidation)
		if env.Err.Message != "No fields to update. Please provide at least one field." {
			t.Fatalf("message = %q", env.Err.Message)
		}
	}
	if got := backend.callCount(); got != 0 {
		t.Fatalf("backend calls = %d, want 0", got)
	}
}

func TestMarkOperationsAreUpdates(t *testing.T) {
	for _, tc := range []struct {
		name      Name
		completed bool
	}{
		{NameMarkComplete, true},
		{NameMarkIncomplete, false},
	} {
		sugar, err := Parse(tc.name, Arguments{"id": 4, "idempotency_key": "k", "title": "ignored"})
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", tc.name, err)
		}
		plain, err := Parse(NameUpdate, Arguments{"id": 4, "idempotency_key": "k", "completed": tc.completed})
		if err != nil {
			t.Fatalf("Parse(update) error = %v", err)
		}
		sugarUpdate, ok := sugar.(UpdateRequest)
		if !ok {
			t.Fatalf("Parse(%s) = %T, want UpdateRequest", tc.name, sugar)
		}
		if sugarUpdate.Tool() != tc.name {
			t.Fatalf("Tool() = %s, want %s", sugarUpdate.Tool(), tc.name)
		}
		sugarUpdate.Via = NameUpdate
		if !reflect.DeepEqual(sugarUpdate, plain) {
			t.Fatalf("%s = %+v, update = %+v", tc.name, sugarUpdate, plain)
		}
	}

	for _, name := range []Name{NameMarkComplete, NameMarkIncomplete} {
		_, sugarErr := Parse(name, Arguments{"id": "seven"})
		_, plainErr := Parse(NameUpdate, Arguments{"id": "seven", "completed": true})
		if sugarErr == nil || sugarErr.Error() != plainErr.Error() {
			t.Fatalf("%s error = %v, update error = %v", name, sugarErr, plainErr)
		}
	}
}

func TestMarkCompleteThenGet(t *testing.T) {
	d := newTestDispatcher(t, newMemoryBackend(), nil)
	ctx := t.Context()

	requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "walk dog"}}))

	env := d.Dispatch(ctx, Invocation{Name: "mark_complete", Arguments: Arguments{"id": 1}})
	requireSuccess(t, env)
	if env.Message != "Todo 1 updated successfully" {
		t.Fatalf("message = %q", env.Message)
	}
	got := d.Dispatch(ctx, Invocation{Name: "get", Arguments: Arguments{"id": 1}})
	requireSuccess(t, got)
	if !got.Data.(todo.Record).Completed {
		t.Fatal("completed = false after mark_complete")
	}
	if got.Message != "" {
		t.Fatalf("get message = %q, want none", got.Message)
	}

	requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "mark_todo_incomplete", Arguments: Arguments{"todo_id": 1}}))
	got = d.Dispatch(ctx, Invocation{Name: "get", Arguments: Arguments{"id": 1}})
	if got.Data.(todo.Record).Completed {
		t.Fatal("completed = true after mark_incomplete")
	}
}

func TestUnknownToolIsInvalidTool(t *testing.T) {
	backend := newMemoryBackend()
	observer := &recordingObserver{}
	d := newTestDispatcher(t, backend, observer)

	env := d.Dispatch(t.Context(), Invocation{Name: "drop_table", Arguments: Arguments{"id": 1}})
	requireKind(t, env, todo.KindInvalidTool)
	if env.Err.Message != "Unknown tool: drop_table" {
		t.Fatalf("message = %q", env.Err.Message)
	}
	if backend.callCount() != 0 {
		t.Fatal("unknown tool reached the backend")
	}
	obs := observer.observations[0]
	if obs.Tool != "" || obs.Outcome != StateFailed || obs.ErrorKind != todo.KindInvalidTool {
		t.Fatalf("observation = %+v", obs)
	}
}

func TestIDValidation(t *testing.T) {
	d := newTestDispatcher(t, newMemoryBackend(), nil)
	tests := []struct {
		args    Arguments
		message string
	}{
		{args: Arguments{}, message: "id is required"},
		{args: Arguments{"id": nil}, message: "id is required"},
		{args: Arguments{"id": "3"}, message: "id must be an integer"},
		{args: Arguments{"id": 1.5}, message: "id must be an integer"},
		{args: Arguments{"id": true}, message: "id must be an integer"},
		{args: Arguments{"id": 0}, message: "id is required"},
		{args: Arguments{"todo_id": 0}, message: "todo_id is required"},
	}
	for _, tt := range tests {
		env := d.Dispatch(t.Context(), Invocation{Name: "get", Arguments: tt.args})
		requireKind(t, env, todo.KindValidation)
		if env.Err.Message != tt.message {
			t.Fatalf("get(%v) message = %q, want %q", tt.args, env.Err.Message, tt.message)
		}
	}

	requireKind(t, d.Dispatch(t.Context(), Invocation{Name: "get", Arguments: Arguments{"id": 2.0}}), todo.KindNotFound)
	requireKind(t, d.Dispatch(t.Context(), Invocation{Name: "get", Arguments: Arguments{"todo_id": -2}}), todo.KindNotFound)
	requireKind(t, d.Dispatch(t.Context(), Invocation{Name: "get", Arguments: Arguments{"id": json.Number("5")}}), todo.KindNotFound)
}

func TestListArgumentsAndMessages(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)
	ctx := t.Context()

	env := d.Dispatch(ctx, Invocation{Name: "list"})
	requireSuccess(t, env)
	if env.Message != "No todos found" {
		t.Fatalf("message = %q", env.Message)
	}
	if records := env.Data.([]todo.Record); records == nil || len(records) != 0 {
		t.Fatalf("data = %#v, want empty list", env.Data)
	}

	for _, completed := range []bool{true, false, true} {
		requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "t", "completed": completed}}))
	}

	env = d.Dispatch(ctx, Invocation{Name: "list", Arguments: Arguments{"completed": true}})
	if env.Message != "Found 2 todo(s) (completed)" {
		t.Fatalf("message = %q", env.Message)
	}
	env = d.Dispatch(ctx, Invocation{Name: "list", Arguments: Arguments{"completed": false}})
	if env.Message != "Found 1 todo(s) (pending)" {
		t.Fatalf("message = %q", env.Message)
	}
	env = d.Dispatch(ctx, Invocation{Name: "list", Arguments: Arguments{"skip": 1, "limit": 1}})
	if env.Message != "Found 1 todo(s)" || env.Data.([]todo.Record)[0].ID != 2 {
		t.Fatalf("page = %q %+v", env.Message, env.Data)
	}

	for _, args := range []Arguments{
		{"limit": 0},
		{"limit": 1001},
		{"skip": -1},
		{"skip": "1"},
		{"completed": "true"},
	} {
		requireKind(t, d.Dispatch(ctx, Invocation{Name: "list", Arguments: args}), todo.KindValidation)
	}
}

func TestListDefaults(t *testing.T) {
	req, err := Parse(NameList, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	filter := req.(ListRequest).Filter
	if filter.Skip != 0 || filter.Limit != todo.DefaultListLimit || filter.Completed != nil {
		t.Fatalf("filter = %+v", filter)
	}
}

func TestDeleteEnvelopeHasNullData(t *testing.T) {
	d := newTestDispatcher(t, newMemoryBackend(), nil)
	ctx := t.Context()
	requireSuccess(t, d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "x"}}))

	env := d.Dispatch(ctx, Invocation{Name: "delete", Arguments: Arguments{"id": 1}})
	requireSuccess(t, env)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"success":true,"message":"Todo 1 deleted successfully","data":null}` {
		t.Fatalf("envelope = %s", raw)
	}
}

func TestBackendErrorsKeepTheirKind(t *testing.T) {
	for _, kind := range []todo.ErrorKind{todo.KindAPI, todo.KindTimeout, todo.KindConnection, todo.KindValidation} {
		backend := newMemoryBackend()
		backend.err = todo.Errorf(kind, "upstream says %s", kind)
		d := newTestDispatcher(t, backend, nil)

		env := d.Dispatch(t.Context(), Invocation{Name: "create", Arguments: Arguments{"title": "x"}})
		requireKind(t, env, kind)
		if env.Err.Message != "upstream says "+string(kind) {
			t.Fatalf("message = %q", env.Err.Message)
		}
	}

	backend := newMemoryBackend()
	backend.err = errors.New("socket exploded")
	env := newTestDispatcher(t, backend, nil).Dispatch(t.Context(), Invocation{Name: "list"})
	requireKind(t, env, todo.KindInternal)
	if env.Err.Message != "Unexpected error: socket exploded" {
		t.Fatalf("message = %q", env.Err.Message)
	}
}

func TestBackendPanicIsInternalError(t *testing.T) {
	backend := newMemoryBackend()
	backend.panicWith = "nil map write"
	observer := &recordingObserver{}
	d := newTestDispatcher(t, backend, observer)

	env := d.Dispatch(t.Context(), Invocation{Name: "get", Arguments: Arguments{"id": 1}})
	requireKind(t, env, todo.KindInternal)
	if len(observer.observations) != 1 || observer.observations[0].LastState != StateDispatched {
		t.Fatalf("observations = %+v", observer.observations)
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	observer := &recordingObserver{}
	d := newTestDispatcher(t, newMemoryBackend(), observer)
	ctx := t.Context()

	d.Dispatch(ctx, Invocation{Name: "create_todo", Arguments: Arguments{"title": "ok"}})
	d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": " "}})

	if len(observer.observations) != 2 {
		t.Fatalf("observations = %d, want 2", len(observer.observations))
	}
	ok, bad := observer.observations[0], observer.observations[1]
	if ok.Tool != NameCreate || ok.Outcome != StateSucceeded || ok.LastState != StateDispatched || ok.ErrorKind != "" {
		t.Fatalf("success observation = %+v", ok)
	}
	if bad.Outcome != StateFailed || bad.LastState != StateReceived || bad.ErrorKind != todo.KindValidation {
		t.Fatalf("failure observation = %+v", bad)
	}
	if !ok.Outcome.Terminal() || ok.LastState.Terminal() {
		t.Fatal("terminal states misreported")
	}
}

func TestIdempotencyKeyReachesBackend(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)
	ctx := t.Context()

	d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "x", "idempotency_key": "  abc-123 "}})
	d.Dispatch(ctx, Invocation{Name: "mark_complete", Arguments: Arguments{"id": 1, "idempotency_key": "mark-1"}})
	d.Dispatch(ctx, Invocation{Name: "delete", Arguments: Arguments{"id": 1}})

	want := []string{"abc-123", "mark-1", ""}
	if !reflect.DeepEqual(backend.keys, want) {
		t.Fatalf("keys = %q, want %q", backend.keys, want)
	}

	env := d.Dispatch(ctx, Invocation{Name: "create", Arguments: Arguments{"title": "x", "idempotency_key": 7}})
	requireKind(t, env, todo.KindValidation)
}

func TestDispatchJSON(t *testing.T) {
	backend := newMemoryBackend()
	d := newTestDispatcher(t, backend, nil)
	ctx := t.Context()

	env := d.DispatchJSON(ctx, "create", json.RawMessage(`{"title":"from json","favorite":true}`))
	requireSuccess(t, env)
	if !env.Data.(todo.Record).Favorite {
		t.Fatal("favorite not decoded")
	}

	requireSuccess(t, d.DispatchJSON(ctx, "get", json.RawMessage(`{"id":1.0}`)))
	requireKind(t, d.DispatchJSON(ctx, "get", json.RawMessage(`[1,2]`)), todo.KindValidation)
	requireSuccess(t, d.DispatchJSON(ctx, "list", json.RawMessage(`{"limit":1e2}`)))
	requireSuccess(t, d.DispatchJSON(ctx, "list", nil))
	requireKind(t, d.DispatchJSON(ctx, "get", json.RawMessage(`{"id":12345678901234567890}`)), todo.KindValidation)
}
