package utils

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

var ErrClosed = errors.New("bindr: closed")

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	return &DefaultLogger{logger: logger}
}

const prefix = "[bindr] "

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(prefix+msg, args...)
}

var defaultArgsKey int

func getDefaultArgs(ctx context.Context) []any {
	ctxargs := ctx.Value(&defaultArgsKey)
	if ctxargs == nil {
		return nil
	}
	return ctxargs.([]any)
}

// WithDefaultArgs attaches log args that every XxxCtx call on this
// context will carry, e.g. the binder id during a sync. The parent's
// args are copied, never appended to in place: sibling contexts derived
// from one parent must not share a backing array.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	prior := getDefaultArgs(ctx)
	dargs := make([]any, 0, len(prior)+len(args))
	dargs = append(dargs, prior...)
	dargs = append(dargs, args...)
	return context.WithValue(ctx, &defaultArgsKey, dargs)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}
