package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger")
	}
	logger := zap.NewExample()
	if got := Logger(WithLogger(context.Background(), logger)); got != logger {
		t.Fatalf("expected stored logger")
	}
}

func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "  user-1 ")
	if got := UserID(ctx); got != "user-1" {
		t.Fatalf("expected user-1, got %q", got)
	}
	if got := UserID(WithUserID(context.Background(), "   ")); got != "" {
		t.Fatalf("expected blank user to be ignored, got %q", got)
	}
}

func TestTraceID(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", Sampled: true})
	if TraceID(ctx) != "abc" {
		t.Fatalf("expected trace id abc")
	}
}
