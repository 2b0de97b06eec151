package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vtcode/turndriver/internal/toolregistry"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger.Info("hello", "tool", "read_file")

	out := buf.String()
	if !strings.Contains(out, `"tool":"read_file"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	buf.Reset()
	logger = NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info must be filtered at warn level, got %q", buf.String())
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolExecution("read_file", "default", "success", 10*time.Millisecond)
	m.RecordToolExecution("read_file", "default", "success", 20*time.Millisecond)
	m.RecordCacheHit("read_file")
	m.RecordTurn("stop", 100, 50)
	m.SetCircuitOpen("pty", true)
	m.RecordContextTrim("aggressive")
	m.TimeoutWarning("slow", toolregistry.CategoryPty, 90*time.Second, 100*time.Second)
	m.MCPToolsDiscovered([]string{"mcp_mock_echo", "mcp_mock_ping"})

	if got := testutil.ToFloat64(m.toolExecutions.WithLabelValues("read_file", "success")); got != 2 {
		t.Errorf("tool executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.toolCacheHits.WithLabelValues("read_file")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.promptTokens); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.breakerOpen.WithLabelValues("pty")); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mcpDiscovered); got != 2 {
		t.Errorf("mcp discovered = %v, want 2", got)
	}
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, span := tracer.StartTurn(context.Background(), "t1", "anthropic", "m")
	if ctx == nil || span == nil {
		t.Fatal("no-op tracer must still produce spans")
	}
	_, child := tracer.StartToolCall(ctx, "read_file", "c1")
	tracer.RecordError(child, nil)
	child.End()
	span.End()
}
