package observability

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

type contextKey struct{}

var noopLogger = zap.NewNop()

// NewLogger constructs a zap logger emitting structured JSON with Cloud Logging field names.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		NameKey:    "logger",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		EncodeDuration: zapcore.MillisDurationEncoder,
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
	}

	cfg := zap.Config{
		Level:             atomic,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger stores the logger on the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the context logger, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// EventLogger adapts zap to the event/fields logging hook used by services. The context logger
// wins over base so callers can add scoped fields. Entries carrying an error value are logged
// at error level.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = noopLogger
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if scoped := FromContext(ctx); scoped != noopLogger {
			logger = scoped
		}

		zapFields := make([]zap.Field, 0, len(fields)+2)
		if span := trace.SpanContextFromContext(ctx); span.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", span.TraceID().String()),
				zap.String("span_id", span.SpanID().String()),
			)
		}

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		failed := false
		for _, key := range keys {
			value := fields[key]
			if err, ok := value.(error); ok {
				failed = true
				zapFields = append(zapFields, zap.String(key, SanitizeField(err.Error())))
				continue
			}
			if s, ok := value.(string); ok {
				zapFields = append(zapFields, zap.String(key, SanitizeField(s)))
				continue
			}
			zapFields = append(zapFields, zap.Any(key, value))
		}

		if failed {
			logger.Error(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}
