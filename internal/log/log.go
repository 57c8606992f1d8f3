package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/ntjobs/jobsos/internal/model"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context whose log records carry attrs in addition
// to the attributes already attached to ctx.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, slogKey, merged)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns a logger writing to dest, which is stderr, stdout, discard
// or a file path the records are appended to.
func Open(dest string, verbose bool) (*slog.Logger, io.Closer, error) {
	switch dest {
	case "", model.LogStderr:
		return NewWriter(os.Stderr, verbose), nopCloser{}, nil
	case model.LogStdout:
		return NewWriter(os.Stdout, verbose), nopCloser{}, nil
	case model.LogDiscard:
		return NewWriter(io.Discard, verbose), nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return NewWriter(f, verbose), f, nil
}
