package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger. An unknown level falls back
// to info. Every entry carries the service name and build version.
//
// Levels: error for store failures, panics and failed deployments; warn for
// degraded backends, refused guards and ignored provisioning results; info
// for transitions and checkout and deployment outcomes; debug for redacted
// request bodies.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.InitialFields = map[string]any{
		"service": "activator",
		"version": Version,
	}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context's logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context's logger tagged with the caller's
// identity and session namespace. Without a RequestContext the logger is
// returned as is.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("namespace", rctx.Namespace()),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys are always redacted: credentials plus the caller's contact
// details staged in the activation fields.
var sensitiveKeys = []string{
	"authorization",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"password",
	"secret",
	"idempotency_key",
	model.FieldTransferNumber,
	model.FieldCalendarLink,
}

// RedactBody returns a copy of body with sensitive keys replaced, at any
// depth including inside arrays. extra adds keys to the default set. Key
// matching is case-insensitive. Used for debug logging only.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(body, keys)
}

func redactMap(m map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	}
	return v
}
