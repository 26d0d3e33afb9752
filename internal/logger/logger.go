// Package logger configures the process-wide slog handler and carries
// per-request log attributes through a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

func Setup(level string) {
	SetupWriter(os.Stderr, level)
}

// SetupWriter installs a tint handler on w as the slog default.
func SetupWriter(w io.Writer, level string) {
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.TimeOnly,
	})))
}

// ParseLevel accepts the slog level names in any case, including offsets
// like "debug+2". Anything unparsable is info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

type ctxKey struct{}

// tags are the attributes FromContext adds. Context values are immutable,
// so each With* stores a modified copy.
type tags struct {
	traceID string
	bundle  string
}

func tagsOf(ctx context.Context) tags {
	t, _ := ctx.Value(ctxKey{}).(tags)
	return t
}

// WithTraceID tags ctx with the id of the request or aging run it serves.
func WithTraceID(ctx context.Context, id string) context.Context {
	t := tagsOf(ctx)
	t.traceID = id
	return context.WithValue(ctx, ctxKey{}, t)
}

func GetTraceID(ctx context.Context) string { return tagsOf(ctx).traceID }

// WithBundle tags ctx with the bundle name being operated on.
func WithBundle(ctx context.Context, name string) context.Context {
	t := tagsOf(ctx)
	t.bundle = name
	return context.WithValue(ctx, ctxKey{}, t)
}

func GetBundle(ctx context.Context) string { return tagsOf(ctx).bundle }

// FromContext returns the default logger with ctx's tags attached.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	t := tagsOf(ctx)
	if t.traceID != "" {
		l = l.With("trace_id", t.traceID)
	}
	if t.bundle != "" {
		l = l.With("bundle", t.bundle)
	}
	return l
}
