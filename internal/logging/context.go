package logging

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx: the active span plus any
// conversation, pattern and request ids attached with the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConversationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("conversation.id", id))
	}
	if id := PatternIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("pattern.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type conversationCtxKey struct{}
type patternCtxKey struct{}
type requestCtxKey struct{}

// maxIDLen bounds ids carried in context. Conversation ids come from the
// messaging platform and are otherwise opaque.
const maxIDLen = 256

func validateID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s cannot be empty", name)
	case !utf8.ValidString(id):
		return fmt.Errorf("%s contains invalid UTF-8", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%s contains control characters", name)
		}
	}
	return nil
}

// WithConversationID attaches a conversation id. Invalid ids are ignored so
// a malformed platform id never breaks request handling.
func WithConversationID(ctx context.Context, id string) context.Context {
	if validateID(id, "conversation id") != nil {
		return ctx
	}
	return context.WithValue(ctx, conversationCtxKey{}, id)
}

// ConversationIDFromContext returns the attached conversation id, if any.
func ConversationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(conversationCtxKey{}).(string)
	return s
}

// WithPatternID attaches a pattern id.
func WithPatternID(ctx context.Context, id string) context.Context {
	if validateID(id, "pattern id") != nil {
		return ctx
	}
	return context.WithValue(ctx, patternCtxKey{}, id)
}

// PatternIDFromContext returns the attached pattern id, if any.
func PatternIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(patternCtxKey{}).(string)
	return s
}

// WithRequestID attaches an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	if validateID(id, "request id") != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the attached request id, if any.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored with WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
