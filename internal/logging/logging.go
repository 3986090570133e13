// Package logging wires log/slog into the daemon: loggers travel in the
// context, outlets are built from the feed config.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type contextKey struct{}

// With returns a context whose logger carries the given attrs.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	l := FromContext(ctx)
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return WithLogger(ctx, l.With(args...))
}

func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithError logs msg at error level with the error attached.
func WithError(l *slog.Logger, err error, msg string) {
	l.With(slog.Any("err", err)).Error(msg)
}

// Options selects the outlets for NewLogger.
type Options struct {
	Level   string // debug, info, warn, error
	LogDir  string // file outlet under <LogDir>/<Name>.log; empty = stdout only
	Name    string
	NoColor bool
}

// NewLogger builds the process logger: a human-format stdout outlet, plus a
// file outlet when LogDir is set.
func NewLogger(opts Options) (*slog.Logger, error) {
	level := parseLevel(opts.Level)

	outlets := []slog.Handler{newHumanHandler(os.Stdout, level, !opts.NoColor)}
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(opts.LogDir, opts.Name+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		outlets = append(outlets, slog.NewTextHandler(f,
			&slog.HandlerOptions{Level: level}))
	}

	if len(outlets) == 1 {
		return slog.New(outlets[0]), nil
	}
	return slog.New(teeHandler(outlets)), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type teeHandler []slog.Handler

func (self teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range self {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (self teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range self {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (self teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make(teeHandler, len(self))
	for i, h := range self {
		hs[i] = h.WithAttrs(attrs)
	}
	return hs
}

func (self teeHandler) WithGroup(name string) slog.Handler {
	hs := make(teeHandler, len(self))
	for i, h := range self {
		hs[i] = h.WithGroup(name)
	}
	return hs
}

// humanHandler renders "2006-01-02 15:04:05 [LVL] msg k=v ..." with the
// level colorized on a terminal.
type humanHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	color bool
	attrs []slog.Attr
}

func newHumanHandler(w io.Writer, level slog.Level, colorize bool) *humanHandler {
	if f, ok := w.(*os.File); colorize && ok {
		colorize = isatty.IsTerminal(f.Fd())
	}
	return &humanHandler{mu: &sync.Mutex{}, w: w, level: level, color: colorize}
}

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgHiBlack),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed),
}

func (self *humanHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= self.level
}

func (self *humanHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	if self.color {
		if c, ok := levelColors[r.Level]; ok {
			level = c.Sprint(level)
		}
	}

	buf := make([]byte, 0, 256)
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, " ["...)
	buf = append(buf, level...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	for _, a := range self.attrs {
		buf = appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	self.mu.Lock()
	defer self.mu.Unlock()
	_, err := self.w.Write(buf)
	return err
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	buf = append(buf, ' ')
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return append(buf, a.Value.String()...)
}

func (self *humanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h := *self
	h.attrs = append(self.attrs[:len(self.attrs):len(self.attrs)], attrs...)
	return &h
}

func (self *humanHandler) WithGroup(string) slog.Handler { return self }
