package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storefront/api/internal/platform/requestctx"
)

func TestEventLoggerWritesFieldsAndLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emit := EventLogger(zap.New(core), "orders")

	emit(context.Background(), "order.created", map[string]any{"orderId": "o1"})
	emit(context.Background(), "stock.credit.skipped", map[string]any{"error": errors.New("missing")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["orderId"] != "o1" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for skipped event, got %s", entries[1].Level)
	}
	if entries[1].ContextMap()["event"] != "stock.credit.skipped" {
		t.Fatalf("expected event field, got %+v", entries[1].ContextMap())
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)
	emit := EventLogger(zap.New(fallbackCore), "payments")

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	emit(ctx, "payment.recorded", nil)

	if fallbackLogs.Len() != 0 || requestLogs.Len() != 1 {
		t.Fatalf("expected request logger to receive entry, fallback=%d request=%d", fallbackLogs.Len(), requestLogs.Len())
	}
}

func TestTraceMiddlewareHonoursCloudTraceHeader(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("proj")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got.ProjectID != "proj" {
		t.Fatalf("expected project id, got %q", got.ProjectID)
	}
	if got.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected propagated trace id, got %q", got.TraceID)
	}
	if !strings.HasPrefix(rec.Header().Get(cloudTraceHeader), got.TraceID+"/") {
		t.Fatalf("expected response trace header, got %q", rec.Header().Get(cloudTraceHeader))
	}
}

func TestParseCloudTraceContextRejectsGarbage(t *testing.T) {
	for _, header := range []string{"", "abc", "zz/1", "105445aa7843bc8bf206b12000100000/notanumber"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_error") {
		t.Fatalf("expected error code in body, got %s", rec.Body.String())
	}
}

func TestSanitizeStringStripsControlCharacters(t *testing.T) {
	if got := sanitizeString("GET\n\x00/orders", 64); got != "GET/orders" {
		t.Fatalf("unexpected sanitised value %q", got)
	}
	if got := sanitizeString("abcdef", 3); got != "abc" {
		t.Fatalf("expected truncation, got %q", got)
	}
}
