package vaultledger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/coralledger/vault-ledger/log"
)

type contextKey string

// trackingKey is the context key used to store request-scoped facilities.
var trackingKey = contextKey("vaultledger_tracking")

type trackingValue struct {
	RequestID string
	Logger    log.Logger
	Tracer    trace.Tracer
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, trackingKey, values)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, trackingKey, values)
}

// ContextWithRequestID returns a context carrying the caller-facing request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	values := trackingFrom(ctx)
	values.RequestID = requestID

	return context.WithValue(ctx, trackingKey, values)
}

// LoggerFromContext extracts the logger from the context, returning a nop
// logger when none was attached.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(trackingKey).(*trackingValue); ok && values.Logger != nil {
		return values.Logger
	}

	return &log.NopLogger{}
}

// TracerFromContext extracts the tracer from the context, returning a noop
// tracer when none was attached.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if values, ok := ctx.Value(trackingKey).(*trackingValue); ok && values.Tracer != nil {
		return values.Tracer
	}

	return noop.NewTracerProvider().Tracer("vaultledger.noop")
}

// RequestIDFromContext extracts the request id from the context, if any.
func RequestIDFromContext(ctx context.Context) string {
	if values, ok := ctx.Value(trackingKey).(*trackingValue); ok {
		return values.RequestID
	}

	return ""
}

// NewTrackingFromContext returns the logger and tracer attached to the
// context in one call, substituting nops for anything missing.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer) {
	return LoggerFromContext(ctx), TracerFromContext(ctx)
}

func trackingFrom(ctx context.Context) *trackingValue {
	if existing, ok := ctx.Value(trackingKey).(*trackingValue); ok && existing != nil {
		clone := *existing

		return &clone
	}

	return &trackingValue{}
}
