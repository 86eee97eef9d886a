package observability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracing_Disabled(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, err := InitTracing(context.Background(), OTelConfig{Enabled: false}, logger)
	if err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
	if tp != nil {
		t.Error("Expected nil provider when disabled")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "OpenTelemetry tracing is disabled" {
		t.Error("Expected disabled message to be logged")
	}
}

func TestInitTracing_Enabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.ErrorLevel)

	// The exporter dials lazily, so no collector is needed.
	tp, err := InitTracing(context.Background(), OTelConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		ServiceName: "plugd",
		Insecure:    true,
		SampleRatio: 0.5,
	}, logger)
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	if tp == nil {
		t.Fatal("Expected tracer provider")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Shutdown with a cancelled context may report the flush error; it must
	// not panic.
	_ = ShutdownTracing(ctx, tp, logger)
}

func TestShutdownTracing_Nil(t *testing.T) {
	logger, _ := test.NewNullLogger()
	if err := ShutdownTracing(context.Background(), nil, logger); err != nil {
		t.Errorf("Expected nil error for nil provider, got %v", err)
	}
}

func TestShutdownTracing(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tp := sdktrace.NewTracerProvider()
	if err := ShutdownTracing(context.Background(), tp, logger); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
