package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogHandlerAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	ctx := WithCorrelationID(context.Background(), "corr-42")
	logger.InfoContext(ctx, "with id")
	logger.InfoContext(context.Background(), "without id")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2: %s", len(lines), buf.String())
	}

	var first, second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first["correlation_id"] != "corr-42" || first["component"] != "test" {
		t.Errorf("first record = %v, want correlation_id and component", first)
	}
	if _, ok := second["correlation_id"]; ok {
		t.Errorf("second record has a correlation_id: %v", second)
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(empty) = %q", got)
	}
	if got := CorrelationID(WithCorrelationID(context.Background(), "abc")); got != "abc" {
		t.Errorf("CorrelationID() = %q, want abc", got)
	}
}
