package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// LoggerOption customises the root logger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level       string
	service     string
	environment string
}

// WithLevel overrides LOG_LEVEL.
func WithLevel(level string) LoggerOption {
	return func(cfg *loggerConfig) {
		if trimmed := strings.TrimSpace(level); trimmed != "" {
			cfg.level = trimmed
		}
	}
}

// WithServiceName stamps every entry with the service name.
func WithServiceName(name string) LoggerOption {
	return func(cfg *loggerConfig) {
		cfg.service = strings.TrimSpace(name)
	}
}

// WithEnvironment stamps every entry with the deployment environment.
func WithEnvironment(env string) LoggerOption {
	return func(cfg *loggerConfig) {
		cfg.environment = strings.TrimSpace(env)
	}
}

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	cfg := loggerConfig{level: os.Getenv("LOG_LEVEL")}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(cfg.level)))); err != nil || strings.TrimSpace(cfg.level) == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	zcfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   severityEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	var fields []zap.Field
	if cfg.service != "" {
		fields = append(fields, zap.String("service", cfg.service))
	}
	if cfg.environment != "" {
		fields = append(fields, zap.String("environment", cfg.environment))
	}
	return logger.With(fields...), nil
}

func severityEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		enc.AppendString("CRITICAL")
	default:
		enc.AppendString(strings.ToUpper(level.String()))
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the callback shape services accept for domain events. Entries are
// written through the request-scoped logger when one is present so they carry request_id and
// trace fields.
func EventLogger(fallback *zap.Logger, component string) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		zFields := make([]zap.Field, 0, len(fields)+2)
		zFields = append(zFields, zap.String("component", component), zap.String("event", event))
		for _, k := range keys {
			if err, ok := fields[k].(error); ok {
				zFields = append(zFields, zap.NamedError(k, err))
				continue
			}
			zFields = append(zFields, zap.Any(k, fields[k]))
		}
		if levelForEvent(event) == zapcore.WarnLevel {
			logger.Warn(component+" event", zFields...)
			return
		}
		logger.Info(component+" event", zFields...)
	}
}

func levelForEvent(event string) zapcore.Level {
	lower := strings.ToLower(event)
	for _, marker := range []string{"failed", "error", "mismatch", "skipped", "rejected"} {
		if strings.Contains(lower, marker) {
			return zapcore.WarnLevel
		}
	}
	return zapcore.InfoLevel
}
