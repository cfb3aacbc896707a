package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitProvider_ExtraReader(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reader := sdkmetric.NewManualReader()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		DisablePrometheus: true,
		Readers:           []sdkmetric.Reader{reader},
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordEvent(context.Background(), "serve")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "turnkeeper.events", "type", "serve"); got != 1 {
		t.Errorf("serve count = %d, want 1", got)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitProvider_SchemaMatchesSDK(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	// Merging resources with different schema URLs fails, so the semconv
	// import has to track the SDK's default resource.
	if got := resource.Default().SchemaURL(); got != semconv.SchemaURL {
		t.Fatalf("sdk schema = %q, semconv schema = %q", got, semconv.SchemaURL)
	}

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:       "turnkeeper-test",
		ServiceVersion:    "v0.0.1",
		DisablePrometheus: true,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
