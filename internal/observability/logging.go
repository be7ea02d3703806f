// Package observability provides structured logging, tracing, metrics, and
// health endpoints for the lifecycle service.
package observability

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangible-labs/assetcycle/internal/config"
	"github.com/tangible-labs/assetcycle/model"
)

// Logging level conventions:
//
//	debug — condition evaluation detail, frontier recomputation, store calls
//	info  — transitions committed, workflow/step completions, sweep results
//	warn  — expired transitions, overdue steps, optional action failures
//	error — required action failures, store errors, dispatch failures
//
// NewLogger builds a production zap logger emitting JSON to stdout at the
// configured level. An unrecognized level falls back to info.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

type loggerContextKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFrom retrieves the request-scoped logger from the context, falling
// back to the given logger when none is set.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.L()
}

// RequestLogger derives a logger enriched with the identity fields of the
// RequestContext in ctx and the active trace ID. Missing fields are omitted.
func RequestLogger(ctx context.Context, base *zap.Logger) *zap.Logger {
	fields := make([]zap.Field, 0, 4)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.SubjectID != "" {
			fields = append(fields, zap.String("subject_id", rctx.SubjectID))
		}
		if rctx.TenantID != "" {
			fields = append(fields, zap.String("tenant_id", rctx.TenantID))
		}
		if rctx.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
		}
		if rctx.TraceID != "" {
			fields = append(fields, zap.String("trace_id", rctx.TraceID))
		}
	}
	if len(fields) == 0 || fields[len(fields)-1].Key != "trace_id" {
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
	}
	return base.With(fields...)
}

// LoggingMiddleware attaches a request-scoped logger to the context so
// handlers and engines downstream log with identity fields attached.
func LoggingMiddleware(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			next.ServeHTTP(w, r.WithContext(WithLogger(ctx, RequestLogger(ctx, base))))
		})
	}
}

// defaultSensitiveFields are stripped from logged payloads.
var defaultSensitiveFields = map[string]struct{}{
	"password":      {},
	"token":         {},
	"authorization": {},
	"secret":        {},
	"api_key":       {},
	"private_key":   {},
	"ssn":           {},
}

// RedactBody returns a copy of the payload with sensitive fields replaced by
// a redaction marker. Nested maps are redacted recursively. extraFields adds
// payload-specific keys to the default sensitive set.
func RedactBody(body map[string]any, extraFields []string) map[string]any {
	if body == nil {
		return nil
	}
	extra := make(map[string]struct{}, len(extraFields))
	for _, f := range extraFields {
		extra[f] = struct{}{}
	}
	return redact(body, extra)
}

func redact(body map[string]any, extra map[string]struct{}) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		_, sensitiveDefault := defaultSensitiveFields[k]
		_, sensitiveExtra := extra[k]
		if sensitiveDefault || sensitiveExtra {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redact(nested, extra)
			continue
		}
		out[k] = v
	}
	return out
}
