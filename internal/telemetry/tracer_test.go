package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracer(&buf, "test")
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := Tracer().Start(context.Background(), "unit-span")
	span.End()
	Shutdown(context.Background(), tp)

	if !strings.Contains(buf.String(), "unit-span") {
		t.Errorf("exported spans do not contain unit-span: %s", buf.String())
	}
	if !strings.Contains(buf.String(), ServiceName) {
		t.Errorf("exported spans do not carry the service resource: %s", buf.String())
	}
}
