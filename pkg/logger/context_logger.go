package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	keyTraceID ctxKey = "trace_id"
	keyPeerID  ctxKey = "peer_id"
	keyRoomID  ctxKey = "room_id"
	keyAwaitID ctxKey = "await_id"
)

// WithPeerID stores the peer identity on ctx for later log enrichment.
func WithPeerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyPeerID, id)
}

func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRoomID, id)
}

func WithAwaitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyAwaitID, id)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the session identifiers found on ctx as fields.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}
	for _, key := range []ctxKey{keyTraceID, keyPeerID, keyRoomID, keyAwaitID} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithFields adds custom fields to logger
func (cl *ContextLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return cl.logger.With(fields...)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}

// LogInfo logs info message with context
func (cl *ContextLogger) LogInfo(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Info(message, fields...)
}

// LogWarn logs warning message with context
func (cl *ContextLogger) LogWarn(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Warn(message, fields...)
}
