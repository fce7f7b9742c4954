package utils

import (
	"context"

	"go.uber.org/zap"
)

type logKeyType struct{}

func LogContext(ctx context.Context, fields ...zap.Field) context.Context {
	old := GetLogContextFields(ctx)
	fields = append(old[:len(old):len(old)], fields...)
	return context.WithValue(ctx, logKeyType{}, fields)
}

func GetLogContextFields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(logKeyType{}).([]zap.Field)
	if !ok {
		return nil
	}
	return fields
}

func GetLogFromContext(ctx context.Context, parentLog *zap.Logger) *zap.Logger {
	return parentLog.With(GetLogContextFields(ctx)...)
}

func LogContextWith(ctx context.Context, parentLog *zap.Logger, fields ...zap.Field) (context.Context, *zap.Logger) {
	ctx = LogContext(ctx, fields...)
	parentLog = parentLog.With(fields...)
	return ctx, parentLog
}

// SessionFields are the fields every per-session log line is keyed by.
func SessionFields(userID, clientID string) []zap.Field {
	return []zap.Field{
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
	}
}

// DetachedContext carries the log fields of ctx into a fresh background
// context, for work that outlives the request.
func DetachedContext(ctx context.Context) context.Context {
	return LogContext(context.Background(), GetLogContextFields(ctx)...)
}
