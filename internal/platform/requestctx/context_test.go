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
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
}

func TestTraceAndLocaleRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc"})
	ctx = WithLocale(ctx, "fa")
	if TraceID(ctx) != "abc" {
		t.Fatalf("expected trace id")
	}
	if Locale(ctx) != "fa" {
		t.Fatalf("expected locale")
	}
	if Locale(context.Background()) != "" {
		t.Fatalf("expected empty locale")
	}
}
