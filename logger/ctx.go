package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// FromCtx returns the logger attached to the context (or the default one).
func FromCtx(ctx context.Context) Logger {
	return logger.FromCtx(ctx)
}

// CtxWithLogger returns a copy of the context with the logger attached.
func CtxWithLogger(ctx context.Context, l Logger) context.Context {
	return logger.CtxWithLogger(ctx, l)
}
