package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petaltodo/apiclient"
	"github.com/petal-labs/petaltodo/todo"
)

// Backend performs the CRUD calls behind the catalog. *apiclient.Client is
// the production implementation; every error it returns is a *todo.Error.
type Backend interface {
	CreateTodo(ctx context.Context, in todo.CreateInput) (todo.Record, error)
	ListTodos(ctx context.Context, filter todo.ListFilter) ([]todo.Record, error)
	GetTodo(ctx context.Context, id int64) (todo.Record, error)
	UpdateTodo(ctx context.Context, id int64, patch todo.Patch) (todo.Record, error)
	DeleteTodo(ctx context.Context, id int64) error
}

var _ Backend = (*apiclient.Client)(nil)

// Invocation is one named call with its raw arguments.
type Invocation struct {
	Name      string
	Arguments Arguments
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Backend  Backend
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Dispatcher validates invocations and routes them to the backend.
type Dispatcher struct {
	backend  Backend
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher validates the config and returns a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Backend == nil {
		return nil, errors.New("tool: dispatcher backend is nil")
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		backend:  cfg.Backend,
		observer: observer,
		logger:   logger,
		now:      now,
	}, nil
}

// DispatchJSON decodes raw JSON arguments and dispatches them.
func (d *Dispatcher) DispatchJSON(ctx context.Context, name string, raw json.RawMessage) Envelope {
	args, err := DecodeArguments(raw)
	if err != nil {
		start := d.now()
		ctx = d.begin(ctx, name)
		env := Failed(err)
		resolved, _ := Resolve(name)
		d.finish(ctx, name, resolved, StateReceived, start, env)
		return env
	}
	return d.Dispatch(ctx, Invocation{Name: name, Arguments: args})
}

// Dispatch runs one invocation to a terminal state and always returns
// exactly one envelope. Nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (env Envelope) {
	start := d.now()
	ctx = d.begin(ctx, inv.Name)
	state := StateReceived
	d.transition(ctx, inv.Name, state)

	var name Name
	defer func() {
		if recovered := recover(); recovered != nil {
			env = Failed(todo.Errorf(todo.KindInternal, "Unexpected error: %v", recovered))
		}
		d.finish(ctx, inv.Name, name, state, start, env)
	}()

	name, ok := Resolve(inv.Name)
	if !ok {
		return Failed(todo.Errorf(todo.KindInvalidTool, "Unknown tool: %s", inv.Name))
	}
	req, err := Parse(name, inv.Arguments)
	if err != nil {
		return Failed(err)
	}
	state = StateValidated
	d.transition(ctx, inv.Name, state)

	state = StateDispatched
	d.transition(ctx, inv.Name, state)
	return d.execute(ctx, req)
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Envelope {
	switch r := req.(type) {
	case CreateRequest:
		rec, err := d.backend.CreateTodo(apiclient.WithIdempotencyKey(ctx, r.IdempotencyKey), r.Input)
		if err != nil {
			return Failed(err)
		}
		return Succeeded(fmt.Sprintf("Todo created successfully with ID %d", rec.ID), rec)
	case ListRequest:
		records, err := d.backend.ListTodos(ctx, r.Filter)
		if err != nil {
			return Failed(err)
		}
		if records == nil {
			records = make([]todo.Record, 0)
		}
		return Succeeded(listMessage(len(records), r.Filter.Completed), records)
	case GetRequest:
		rec, err := d.backend.GetTodo(ctx, r.ID)
		if err != nil {
			return Failed(err)
		}
		return Succeeded("", rec)
	case UpdateRequest:
		rec, err := d.backend.UpdateTodo(apiclient.WithIdempotencyKey(ctx, r.IdempotencyKey), r.ID, r.Patch)
		if err != nil {
			return Failed(err)
		}
		return Succeeded(fmt.Sprintf("Todo %d updated successfully", r.ID), rec)
	case DeleteRequest:
		if err := d.backend.DeleteTodo(apiclient.WithIdempotencyKey(ctx, r.IdempotencyKey), r.ID); err != nil {
			return Failed(err)
		}
		return Succeeded(fmt.Sprintf("Todo %d deleted successfully", r.ID), nil)
	default:
		return Failed(todo.Errorf(todo.KindInternal, "Unexpected error: unhandled request %T", req))
	}
}

func listMessage(count int, completed *bool) string {
	if count == 0 {
		return "No todos found"
	}
	message := fmt.Sprintf("Found %d todo(s)", count)
	if completed != nil {
		if *completed {
			message += " (completed)"
		} else {
			message += " (pending)"
		}
	}
	return message
}

// begin lets a ContextObserver wrap the dispatch context before any backend
// call is made.
func (d *Dispatcher) begin(ctx context.Context, tool string) context.Context {
	if observer, ok := d.observer.(ContextObserver); ok {
		return observer.BeginDispatch(ctx, tool)
	}
	return ctx
}

func (d *Dispatcher) transition(ctx context.Context, tool string, state State) {
	d.logger.LogAttrs(ctx, slog.LevelDebug, "tool state",
		slog.String("event", "tool_state"),
		slog.String("tool", tool),
		slog.String("state", state.String()),
	)
}

// finish logs the outcome under the caller's name and reports it to the
// observer under the resolved catalog name, which is empty for unknown tools.
func (d *Dispatcher) finish(ctx context.Context, tool string, resolved Name, last State, start time.Time, env Envelope) {
	outcome := StateSucceeded
	if !env.Success() {
		outcome = StateFailed
	}
	duration := d.now().Sub(start)

	attrs := []slog.Attr{
		slog.String("event", "tool_dispatched"),
		slog.String("tool", tool),
		slog.String("state", outcome.String()),
		slog.String("last_state", last.String()),
		slog.Float64("duration_ms", float64(duration)/float64(time.Millisecond)),
	}
	if !env.Success() {
		attrs = append(attrs,
			slog.String("error_type", string(env.Kind())),
			slog.String("error_message", env.Err.Message),
		)
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "tool dispatched", attrs...)

	d.observer.ObserveDispatch(DispatchObservation{
		Context:   ctx,
		Tool:      resolved,
		LastState: last,
		Outcome:   outcome,
		ErrorKind: env.Kind(),
		Start:     start,
		Duration:  duration,
	})
}
