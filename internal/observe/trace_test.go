package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/turnkeeper/pkg/events"
)

// newTestTracerProvider installs a tracer provider backed by an in-memory
// exporter for the duration of the test.
func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestTraceID(t *testing.T) {
	newTestTracerProvider(t)

	if got := traceID(context.Background()); got != "" {
		t.Errorf("traceID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "op")
		id := traceID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("traceID = %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate trace ID %s", id)
		}
		seen[id] = true
	}
}

func TestStartSessionSpan_TagsSession(t *testing.T) {
	exp := newTestTracerProvider(t)

	_, span := StartSessionSpan(context.Background(), "analysis", "sess-1")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "analysis" {
		t.Fatalf("spans = %+v, want one named analysis", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == SessionAttr && a.Value.AsString() == "sess-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing %s", spans[0].Attributes, SessionAttr)
	}
}

func TestLogger(t *testing.T) {
	newTestTracerProvider(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(context.Background(), "op")
				return ctx, func() { span.End() }
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{"session_id"},
		},
		{
			name: "span and session",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(events.WithSessionID(context.Background(), "dinner"), "op")
				return ctx, func() { span.End() }
			},
			want: []string{"trace_id=", "session_id=dinner"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			ctx, done := tt.ctx()
			defer done()

			Logger(ctx).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
