package main

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.New()
}
