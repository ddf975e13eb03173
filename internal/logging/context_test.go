package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.String
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "engine.HandleEvent")
	defer span.End()

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), m["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), m["span_id"])
}

func TestContextFields_IDs(t *testing.T) {
	ctx := WithConversationID(context.Background(), "whatsapp:+15550100")
	ctx = WithPatternID(ctx, "8c1d0a3e-6a47-4a53-9d43-1f0d0f1b7d11")
	ctx = WithRequestID(ctx, "req-42")

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, "whatsapp:+15550100", m["conversation.id"])
	assert.Equal(t, "8c1d0a3e-6a47-4a53-9d43-1f0d0f1b7d11", m["pattern.id"])
	assert.Equal(t, "req-42", m["request.id"])
}

func TestWithIDs_IgnoresInvalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"control characters", "conv\n1"},
		{"invalid utf-8", "conv\xff"},
		{"too long", strings.Repeat("a", maxIDLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithConversationID(context.Background(), tt.id)
			ctx = WithPatternID(ctx, tt.id)
			ctx = WithRequestID(ctx, tt.id)
			assert.Empty(t, ContextFields(ctx))
		})
	}
}

func TestLoggerInContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))

	nop := FromContext(context.Background())
	assert.NotNil(t, nop)
	nop.Info(context.Background(), "dropped")
}
