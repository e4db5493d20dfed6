package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

// TestTraceHandler_NoSpanContext verifies records outside a span carry no
// trace fields
func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := decodeLine(t, &buf)
	if _, exists := entry["trace_id"]; exists {
		t.Errorf("trace_id should not be present without span context, got: %v", entry["trace_id"])
	}

	if _, exists := entry["span_id"]; exists {
		t.Errorf("span_id should not be present without span context, got: %v", entry["span_id"])
	}

	if entry["msg"] != "test message" || entry["key"] != "value" {
		t.Errorf("record fields lost in decoration: %v", entry)
	}
}

// TestTraceHandler_WithSpanContext verifies records inside a valid span carry
// trace_id and span_id
func TestTraceHandler_WithSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "inside span")

	entry := decodeLine(t, &buf)
	if entry["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v, want %s", entry["trace_id"], traceID.String())
	}

	if entry["span_id"] != spanID.String() {
		t.Errorf("span_id = %v, want %s", entry["span_id"], spanID.String())
	}
}

// TestTraceHandler_WithAttrs verifies the decoration survives With
func TestTraceHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil))).With("component", "pipeline")

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0xaa, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:  trace.SpanID{0xbb, 1, 1, 1, 1, 1, 1, 1},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "derived logger")

	entry := decodeLine(t, &buf)
	if entry["component"] != "pipeline" {
		t.Errorf("attrs lost through decoration: %v", entry)
	}

	if _, exists := entry["trace_id"]; !exists {
		t.Error("trace_id missing on derived logger")
	}
}

func TestNewTraceHandler_NilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewTraceHandler(nil) should panic")
		}
	}()

	NewTraceHandler(nil)
}

// TestWithJob verifies the job-scoped logger carries job_id
func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx = WithJob(ctx, "job-42")
	LoggerFromContext(ctx).Info("working")

	entry := decodeLine(t, &buf)
	if entry["job_id"] != "job-42" {
		t.Errorf("job_id = %v, want job-42", entry["job_id"])
	}
}

func TestLoggerFromContext_Fallback(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Error("LoggerFromContext should fall back to slog.Default, not nil")
	}
}
