package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Debug("hidden")
	if buf.Len() > 0 {
		t.Error("Debug message should not be logged at info level")
	}

	logger.WithField("plugin_id", "project-timeline").Info("installed")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["msg"] != "installed" || entry["plugin_id"] != "project-timeline" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "text", &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Debug("scanning")
	if !strings.Contains(buf.String(), "msg=scanning") {
		t.Errorf("Expected text output, got %q", buf.String())
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	if _, err := NewLogger("loud", "json", nil); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := NewLogger("info", "xml", nil); err == nil {
		t.Error("Expected error for invalid format")
	}
}

func TestWithTraceContext(t *testing.T) {
	logger := logrus.New()
	entry := logrus.NewEntry(logger)

	if got := WithTraceContext(context.Background(), entry); len(got.Data) != 0 {
		t.Errorf("Expected no fields without a span, got %v", got.Data)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "install")
	defer span.End()

	got := WithTraceContext(ctx, entry)
	if got.Data["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), got.Data["trace_id"])
	}
	if _, ok := got.Data["span_id"]; !ok {
		t.Error("Expected span_id field")
	}
}
