// Package requestctx carries request-scoped values shared by middleware and handlers.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// key is unexported and parameterised by the stored type, so each value type gets its own slot.
type key[T any] struct{}

func put[T any](ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, key[T]{}, v)
}

func get[T any](ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key[T]{}).(T)
	return v, ok
}

type locale string

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace context of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return put(ctx, logger)
}

// Logger returns the request logger, or a no-op logger when none is attached.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := get[*zap.Logger](ctx); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger is the logger Logger falls back to; comparing against it detects a missing logger.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return put(ctx, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return get[TraceInfo](ctx)
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithLocale records the negotiated response language tag (BCP 47).
func WithLocale(ctx context.Context, tag string) context.Context {
	return put(ctx, locale(tag))
}

// Locale returns the negotiated language tag, or "" when none was negotiated.
func Locale(ctx context.Context) string {
	tag, _ := get[locale](ctx)
	return string(tag)
}
