package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type proposalCtxKey struct{}
type changeCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := ProposalIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("proposal.id", id))
	}
	if n := ChangeNumberFromContext(ctx); n > 0 {
		fields = append(fields, zap.Int("change.number", n))
	}
	return fields
}

// WithRequestID adds the inbound request ID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithProposalID adds the proposal being handled to ctx.
func WithProposalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, proposalCtxKey{}, id)
}

// ProposalIDFromContext returns the proposal ID, or "".
func ProposalIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(proposalCtxKey{}).(string)
	return id
}

// WithChangeNumber adds the change request number to ctx.
func WithChangeNumber(ctx context.Context, number int) context.Context {
	return context.WithValue(ctx, changeCtxKey{}, number)
}

// ChangeNumberFromContext returns the change number, or 0.
func ChangeNumberFromContext(ctx context.Context) int {
	n, _ := ctx.Value(changeCtxKey{}).(int)
	return n
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
