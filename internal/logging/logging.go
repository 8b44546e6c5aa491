// Package logging provides structured logging for the historian daemon and tools.
//
// It wraps log/slog so every component logs through one configured handler.
// Components obtain a tagged logger once and keep it in a package variable:
//
//	var log = logging.Component("rollup")
//	log.Info("rollup finished", "point", id, "aggregates", n)
//
// Query-scoped attributes travel in the context:
//
//	ctx = logging.ContextWithQueryID(ctx, id)
//	logging.WithContext(ctx).Debug("query started")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init initializes the global logger writing to stdout.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// ParseLevel maps a config string (debug, info, warn, error) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger returns the global logger, initializing a text logger at info level
// on first use.
func Logger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger for a specific component.
//
// The returned logger resolves the global handler lazily, so package-level
// component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New(&lazyHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

type contextKey int

const (
	contextKeyQueryID contextKey = iota
	contextKeyPoint
)

// ContextWithQueryID adds a query ID to the context for logging.
func ContextWithQueryID(ctx context.Context, queryID uint64) context.Context {
	return context.WithValue(ctx, contextKeyQueryID, queryID)
}

// ContextWithPoint adds a point identifier to the context for logging.
func ContextWithPoint(ctx context.Context, point int64) context.Context {
	return context.WithValue(ctx, contextKeyPoint, point)
}

// WithContext returns a logger that includes query-scoped context values.
func WithContext(ctx context.Context) *slog.Logger {
	l := Logger()
	if id, ok := ctx.Value(contextKeyQueryID).(uint64); ok {
		l = l.With("query_id", id)
	}
	if point, ok := ctx.Value(contextKeyPoint).(int64); ok {
		l = l.With("point", point)
	}
	return l
}

// lazyHandler defers to the current global handler on every call.
type lazyHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *lazyHandler) resolve() slog.Handler {
	base := Logger().Handler()
	if len(h.attrs) > 0 {
		base = base.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		base = base.WithGroup(g)
	}
	return base
}

func (h *lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lazyHandler{attrs: merged, groups: h.groups}
}

func (h *lazyHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &lazyHandler{attrs: h.attrs, groups: groups}
}
