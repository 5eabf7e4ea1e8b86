package todo

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrorKind is the fixed taxonomy every caller-facing failure maps into.
type ErrorKind string

const (
	// KindValidation is a local argument failure or an upstream 422.
	KindValidation ErrorKind = "validation_error"
	// KindNotFound is returned when the record does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindAPI is any other non-success upstream response.
	KindAPI ErrorKind = "api_error"
	// KindTimeout is returned when the transport deadline is exceeded.
	KindTimeout ErrorKind = "timeout_error"
	// KindConnection is returned when the upstream is unreachable.
	KindConnection ErrorKind = "connection_error"
	// KindInvalidTool is returned for an unrecognized operation name.
	KindInvalidTool ErrorKind = "invalid_tool"
	// KindInternal is the fallback for anything unexpected.
	KindInternal ErrorKind = "internal_error"
)

// Kinds lists every taxonomy value.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindValidation,
		KindNotFound,
		KindAPI,
		KindTimeout,
		KindConnection,
		KindInvalidTool,
		KindInternal,
	}
}

// Valid reports whether k is part of the taxonomy.
func (k ErrorKind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// ErrNotFound is the sentinel wrapped by every not-found failure.
var ErrNotFound = errors.New("todo not found")

// Error is a classified failure. Status and Body are set for upstream
// responses so callers can inspect what the service actually returned.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"error"`
	Status  int       `json:"-"`
	Body    string    `json:"-"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(string(e.Kind))
	msg := strings.TrimSpace(e.Message)
	switch {
	case kind == "" && msg == "":
		return string(KindInternal)
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return fmt.Sprintf("%s: %s", kind, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. An empty message falls back to the
// cause's text.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	if !kind.Valid() {
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// AsError extracts a classified error from an error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind for err. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if classified, ok := AsError(err); ok && classified.Kind.Valid() {
		return classified.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}
