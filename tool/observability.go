package tool

import (
	"context"
	"time"

	"github.com/petal-labs/petaltodo/todo"
)

// State is a dispatch lifecycle stage.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateDispatched
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateDispatched:
		return "dispatched"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// DispatchObservation captures one finished dispatch.
type DispatchObservation struct {
	// Context is the dispatch context, as returned by BeginDispatch when the
	// observer implements ContextObserver.
	Context context.Context
	// Tool is the resolved catalog name; empty when the name was unknown.
	Tool Name
	// LastState is the last non-terminal state reached before the outcome,
	// so a validation failure reports StateReceived.
	LastState State
	Outcome   State
	ErrorKind todo.ErrorKind
	Start     time.Time
	Duration  time.Duration
}

// Observer receives dispatch-level observability events.
type Observer interface {
	ObserveDispatch(observation DispatchObservation)
}

// ContextObserver is an Observer that also sees each dispatch start. The
// returned context is used for the backend call and is handed back in the
// matching DispatchObservation.
type ContextObserver interface {
	Observer
	BeginDispatch(ctx context.Context, tool string) context.Context
}

type noopObserver struct{}

func (noopObserver) ObserveDispatch(DispatchObservation) {}
