package otel

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petaltodo/server"
	"github.com/petal-labs/petaltodo/tool"
)

// Observer records HTTP requests and tool dispatches as OpenTelemetry
// metrics and spans. It implements both server.Observer and tool.Observer.
type Observer struct {
	tracer trace.Tracer

	requests       metric.Int64Counter
	requestErrors  metric.Int64Counter
	requestLatency metric.Float64Histogram
	dispatches     metric.Int64Counter
	dispatchTime   metric.Float64Histogram
}

// NewObserver creates instruments on meter. A nil tracer disables spans.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	if meter == nil {
		return nil, errors.New("otel: meter is nil")
	}
	requests, err := meter.Int64Counter("petaltodo.http.requests",
		metric.WithDescription("Number of HTTP requests served"),
	)
	if err != nil {
		return nil, err
	}
	requestErrors, err := meter.Int64Counter("petaltodo.http.errors",
		metric.WithDescription("Number of HTTP requests that failed with a server fault"),
	)
	if err != nil {
		return nil, err
	}
	requestLatency, err := meter.Float64Histogram("petaltodo.http.duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	dispatches, err := meter.Int64Counter("petaltodo.tool.dispatches",
		metric.WithDescription("Number of tool dispatches"),
	)
	if err != nil {
		return nil, err
	}
	dispatchTime, err := meter.Float64Histogram("petaltodo.tool.duration",
		metric.WithDescription("Duration of tool dispatches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Observer{
		tracer:         tracer,
		requests:       requests,
		requestErrors:  requestErrors,
		requestLatency: requestLatency,
		dispatches:     dispatches,
		dispatchTime:   dispatchTime,
	}, nil
}

// ObserveRequest records one finished HTTP request.
func (o *Observer) ObserveRequest(observation server.RequestObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.method", observation.Method),
		attribute.String("http.route", observation.Endpoint),
		attribute.Int("http.status_code", observation.Status),
	}

	ctx := observation.Context
	if ctx == nil {
		ctx = context.Background()
	}
	options := metric.WithAttributes(attrs...)
	o.requests.Add(ctx, 1, options)
	o.requestLatency.Record(ctx, observation.Duration.Seconds(), options)
	if observation.Failed {
		o.requestErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error_type", observation.ErrorType))...))
	}

	if o.tracer == nil {
		return
	}
	span := o.startSpan(ctx, observation.Method+" "+observation.Endpoint, observation.Start,
		append(attrs, attribute.String("petaltodo.request_id", observation.RequestID))...)
	switch {
	case observation.Failed:
		span.SetStatus(codes.Error, observation.ErrorType)
	case observation.Status >= 500:
		span.SetStatus(codes.Error, strconv.Itoa(observation.Status))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(observation.Start.Add(observation.Duration)))
}

// ObserveDispatch records one finished tool dispatch.
func (o *Observer) ObserveDispatch(observation tool.DispatchObservation) {
	if o == nil {
		return
	}

	name := string(observation.Tool)
	if name == "" {
		name = "unknown"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", name),
		attribute.String("outcome", observation.Outcome.String()),
		attribute.String("last_state", observation.LastState.String()),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_type", string(observation.ErrorKind)))
	}

	ctx := observation.Context
	if ctx == nil {
		ctx = context.Background()
	}
	options := metric.WithAttributes(attrs...)
	o.dispatches.Add(ctx, 1, options)
	o.dispatchTime.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	span, open := ctx.Value(dispatchSpanKey{}).(trace.Span)
	if open {
		span.SetName("tool." + name)
		span.SetAttributes(attrs...)
	} else {
		span = o.startSpan(ctx, "tool."+name, observation.Start, attrs...)
	}
	if observation.Outcome == tool.StateFailed {
		span.SetStatus(codes.Error, string(observation.ErrorKind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if open {
		span.End()
		return
	}
	span.End(trace.WithTimestamp(observation.Start.Add(observation.Duration)))
}

type dispatchSpanKey struct{}

// BeginDispatch opens the dispatch span so the backend call made with the
// returned context is traced as its child. ObserveDispatch ends it.
func (o *Observer) BeginDispatch(ctx context.Context, name string) context.Context {
	if o == nil || o.tracer == nil {
		return ctx
	}
	ctx, span := o.tracer.Start(ctx, "tool."+name)
	return context.WithValue(ctx, dispatchSpanKey{}, span)
}

var (
	_ server.Observer      = (*Observer)(nil)
	_ tool.Observer        = (*Observer)(nil)
	_ tool.ContextObserver = (*Observer)(nil)
)
