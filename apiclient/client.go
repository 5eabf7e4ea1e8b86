// Package apiclient is the HTTP transport used to reach the todo CRUD service.
//
// Every method returns either a decoded payload or a *todo.Error whose Kind is
// one of the fixed taxonomy values. The client never retries.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/petal-labs/petaltodo/todo"
)

const (
	// DefaultTimeout bounds every call when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultBaseURL is where the CRUD service listens by default.
	DefaultBaseURL = "http://localhost:8000"

	idempotencyKeyHeader = "Idempotency-Key"
	maxErrorBodyBytes    = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// NewKey generates idempotency keys for mutating calls that did not
	// carry one in their context. Defaults to random UUIDs.
	NewKey func() string
}

// Client is a pooled, timeout-bounded connection to the CRUD service. It is
// safe for concurrent use and must be closed once.
type Client struct {
	baseURL   *url.URL
	timeout   time.Duration
	http      *http.Client
	transport *http.Transport
	logger    *slog.Logger
	newKey    func() string

	closeOnce sync.Once
}

// New builds a client. The underlying connection pool is created here and
// released by Close.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base url %q must use http or https", raw)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("apiclient: base url %q has no host", raw)
	}
	timeout := cfg.Timeout
	if timeout < 0 {
		return nil, fmt.Errorf("apiclient: timeout must not be negative")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newKey := cfg.NewKey
	if newKey == nil {
		newKey = uuid.NewString
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:   base,
		timeout:   timeout,
		http:      &http.Client{Timeout: timeout, Transport: transport},
		transport: transport,
		logger:    logger,
		newKey:    newKey,
	}, nil
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Close releases pooled connections. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(c.transport.CloseIdleConnections)
	return nil
}

// CreateTodo issues POST /todos.
func (c *Client) CreateTodo(ctx context.Context, in todo.CreateInput) (todo.Record, error) {
	var rec todo.Record
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/todos",
		body:   in,
		action: "create todo",
	}, &rec)
	return rec, err
}

// ListTodos issues GET /todos with the filter as query parameters.
func (c *Client) ListTodos(ctx context.Context, filter todo.ListFilter) ([]todo.Record, error) {
	query := url.Values{}
	query.Set("skip", strconv.Itoa(filter.Skip))
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Completed != nil {
		query.Set("completed", strconv.FormatBool(*filter.Completed))
	}

	records := make([]todo.Record, 0)
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/todos",
		query:  query,
		action: "list todos",
	}, &records)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = make([]todo.Record, 0)
	}
	return records, nil
}

// GetTodo issues GET /todos/{id}.
func (c *Client) GetTodo(ctx context.Context, id int64) (todo.Record, error) {
	var rec todo.Record
	err := c.do(ctx, call{
		method: http.MethodGet,
		path:   todoPath(id),
		id:     id,
		action: "get todo",
	}, &rec)
	return rec, err
}

// UpdateTodo issues PUT /todos/{id} with only the fields present in patch.
func (c *Client) UpdateTodo(ctx context.Context, id int64, patch todo.Patch) (todo.Record, error) {
	var rec todo.Record
	err := c.do(ctx, call{
		method: http.MethodPut,
		path:   todoPath(id),
		body:   patch,
		id:     id,
		action: "update todo",
	}, &rec)
	return rec, err
}

// DeleteTodo issues DELETE /todos/{id}.
func (c *Client) DeleteTodo(ctx context.Context, id int64) error {
	return c.do(ctx, call{
		method: http.MethodDelete,
		path:   todoPath(id),
		id:     id,
		action: "delete todo",
	}, nil)
}

// Ping checks that the service answers GET /health with a 2xx.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, call{
		method: http.MethodGet,
		path:   "/health",
		action: "check API health",
	}, nil)
}

func todoPath(id int64) string {
	return "/todos/" + strconv.FormatInt(id, 10)
}

type call struct {
	method string
	path   string
	query  url.Values
	body   any
	// id is set for single-record calls so a 404 names the record.
	id     int64
	action string
}

func (c *Client) do(ctx context.Context, spec call, out any) error {
	target := c.baseURL.JoinPath(spec.path)
	if len(spec.query) > 0 {
		target.RawQuery = spec.query.Encode()
	}

	var body io.Reader
	if spec.body != nil {
		payload, err := json.Marshal(spec.body)
		if err != nil {
			return todo.Wrap(todo.KindInternal, fmt.Sprintf("Unexpected error: encode %s request: %v", spec.action, err), err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, spec.method, target.String(), body)
	if err != nil {
		return todo.Wrap(todo.KindInternal, fmt.Sprintf("Unexpected error: build %s request: %v", spec.action, err), err)
	}
	req.Header.Set("Accept", "application/json")
	if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if spec.method != http.MethodGet {
		key, ok := IdempotencyKey(ctx)
		if !ok {
			key = c.newKey()
		}
		req.Header.Set(idempotencyKeyHeader, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		classified := c.classifyTransportError(ctx, err)
		c.logger.Debug("api call failed",
			slog.String("event", "api_call_failed"),
			slog.String("method", spec.method),
			slog.String("path", spec.path),
			slog.String("error_type", string(classified.Kind)),
			slog.Float64("duration_ms", float64(time.Since(start))/float64(time.Millisecond)),
		)
		return classified
	}
	defer resp.Body.Close()

	c.logger.Debug("api call completed",
		slog.String("event", "api_call_completed"),
		slog.String("method", spec.method),
		slog.String("path", spec.path),
		slog.Int("status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if isTimeout(err) {
				return c.classifyTransportError(ctx, err)
			}
			return todo.Wrap(todo.KindInternal, fmt.Sprintf("Unexpected error: decode %s response: %v", spec.action, err), err)
		}
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil && isTimeout(err) {
		return c.classifyTransportError(ctx, err)
	}
	return classifyStatus(spec, resp.StatusCode, raw)
}

// classifyStatus maps a non-2xx response onto the taxonomy.
func classifyStatus(spec call, status int, raw []byte) *todo.Error {
	body := strings.TrimSpace(string(raw))
	switch status {
	case http.StatusNotFound:
		if spec.id != 0 {
			notFound := todo.NotFound(spec.id)
			notFound.Status = status
			notFound.Body = body
			return notFound
		}
		return &todo.Error{
			Kind:    todo.KindNotFound,
			Message: upstreamMessage(raw, "Resource not found"),
			Status:  status,
			Body:    body,
			Cause:   todo.ErrNotFound,
		}
	case http.StatusUnprocessableEntity:
		return &todo.Error{
			Kind:    todo.KindValidation,
			Message: upstreamMessage(raw, "Validation error"),
			Status:  status,
			Body:    body,
		}
	default:
		if body == "" {
			body = http.StatusText(status)
		}
		return &todo.Error{
			Kind:    todo.KindAPI,
			Message: fmt.Sprintf("Failed to %s. Status: %d, body: %s", spec.action, status, body),
			Status:  status,
			Body:    body,
		}
	}
}

// upstreamMessage extracts the human-readable detail from an error body.
// Both {"error":{"message":..}} and {"detail":..} shapes are understood.
func upstreamMessage(raw []byte, fallback string) string {
	var envelope struct {
		Error *struct {
			Message string   `json:"message"`
			Details []string `json:"details"`
		} `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error != nil && strings.TrimSpace(envelope.Error.Message) != "" {
			message := strings.TrimSpace(envelope.Error.Message)
			if len(envelope.Error.Details) > 0 {
				message += ": " + strings.Join(envelope.Error.Details, "; ")
			}
			return message
		}
		if len(envelope.Detail) > 0 {
			var detail string
			if err := json.Unmarshal(envelope.Detail, &detail); err == nil && strings.TrimSpace(detail) != "" {
				return strings.TrimSpace(detail)
			}
			if compact := strings.TrimSpace(string(envelope.Detail)); compact != "" && compact != "null" {
				return compact
			}
		}
	}
	if body := strings.TrimSpace(string(raw)); body != "" {
		return body
	}
	return fallback
}

func (c *Client) classifyTransportError(ctx context.Context, err error) *todo.Error {
	switch {
	case errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return todo.Wrap(todo.KindInternal, "Unexpected error: request cancelled before the API responded", err)
	case isTimeout(err):
		return todo.Wrap(todo.KindTimeout, "Request timed out. Please check if the API server is running.", err)
	default:
		return todo.Wrap(todo.KindConnection,
			fmt.Sprintf("Could not connect to API server. Please ensure it's running on %s", c.baseURL.String()), err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type idempotencyKeyContextKey struct{}

// WithIdempotencyKey attaches a caller-chosen idempotency key to ctx. The
// next mutating call made with ctx sends it instead of a generated one.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key, ok && key != ""
}
