package logging

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger, got nil")
	}
}

func TestLAnnotatesRequestID(t *testing.T) {
	logger := New("debug", "json")
	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-xyz")

	if L(ctx) == nil {
		t.Fatal("expected logger")
	}
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if New(level, "text") == nil {
			t.Fatalf("nil logger for level %s", level)
		}
	}
}
