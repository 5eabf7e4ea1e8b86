package tool

import (
	"encoding/json"
	"fmt"

	"github.com/petal-labs/petaltodo/todo"
)

// Envelope is the uniform outcome of one dispatch. Exactly one of the two
// shapes is populated: a nil Err means success.
type Envelope struct {
	Message string
	Data    any
	Err     *todo.Error
}

// Succeeded builds a success envelope.
func Succeeded(message string, data any) Envelope {
	return Envelope{Message: message, Data: data}
}

// Failed builds an error envelope. Unclassified errors become internal
// errors so that every failure carries a taxonomy kind.
func Failed(err error) Envelope {
	if err == nil {
		err = todo.Errorf(todo.KindInternal, "Unexpected error: dispatch failed without an error")
	}
	classified, ok := todo.AsError(err)
	if !ok || !classified.Kind.Valid() {
		classified = todo.Wrap(todo.KindInternal, fmt.Sprintf("Unexpected error: %v", err), err)
	}
	return Envelope{Err: classified}
}

// Success reports whether the envelope is the success shape.
func (e Envelope) Success() bool {
	return e.Err == nil
}

// Kind returns the error kind, or "" on success.
func (e Envelope) Kind() todo.ErrorKind {
	if e.Err == nil {
		return ""
	}
	return e.Err.Kind
}

type successBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

type errorBody struct {
	Error string         `json:"error"`
	Type  todo.ErrorKind `json:"type"`
}

// MarshalJSON renders {success, message?, data} or {error, type}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Err != nil {
		return json.Marshal(errorBody{Error: e.Err.Message, Type: e.Err.Kind})
	}
	return json.Marshal(successBody{Success: true, Message: e.Message, Data: e.Data})
}

// UnmarshalJSON accepts either envelope shape. Data is left as decoded JSON.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var wire struct {
		Success *bool           `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
		Error   *string         `json:"error"`
		Type    todo.ErrorKind  `json:"type"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	switch {
	case wire.Error != nil:
		*e = Envelope{Err: &todo.Error{Kind: wire.Type, Message: *wire.Error}}
	case wire.Success != nil && *wire.Success:
		var data any
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &data); err != nil {
				return err
			}
		}
		*e = Envelope{Message: wire.Message, Data: data}
	default:
		return fmt.Errorf("tool: envelope has neither success nor error")
	}
	return nil
}
