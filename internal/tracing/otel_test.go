package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips http prefix", input: "http://localhost:4318", expected: "localhost:4318"},
		{name: "strips https prefix", input: "https://otel.example.com:4318", expected: "otel.example.com:4318"},
		{name: "returns unchanged when no scheme", input: "localhost:4318", expected: "localhost:4318"},
		{name: "handles empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStageSpansAreSafeWithoutExporter(t *testing.T) {
	ctx, run := TracePipelineRun(context.Background(), "s1", []string{"mock-researcher"})
	_, stage := TraceStage(ctx, "s1", "browser", false)
	TraceStageResult(stage, "error", "boom")
	RecordError(run, errors.New("exit status 1"))
	RecordError(run, nil)
	run.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
