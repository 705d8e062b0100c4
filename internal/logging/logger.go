package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"axion-alerts/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

var (
	attrKeyPattern = regexp.MustCompile(`(^|\s)([a-z_][a-z0-9_.]*)=`)
	quotedPattern  = regexp.MustCompile(`"[^"\n]*"`)
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := consoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		handler, closer, err := fileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(handlers[0]), closeAll(closers), nil
	default:
		return slog.New(multiHandler(handlers)), closeAll(closers), nil
	}
}

func closeAll(closers []io.Closer) func() {
	return func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
}

// consoleHandler creates the console sink. Line format is colored and drops timestamps.
func consoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	}
	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line":
		return slog.NewTextHandler(&colorWriter{dst: dst}, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// fileHandler creates a size-rotated file sink.
// Params: sink contains path, rotation limits, level, and format.
// Returns: handler, rotating writer closer, and error.
func fileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(sink.Path) == "" {
		return nil, nil, errors.New("file sink path is empty")
	}

	writer := &lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
		MaxAge:     sink.MaxAgeDays,
		Compress:   sink.Compress,
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line":
		return slog.NewTextHandler(writer, opts), writer, nil
	case "json":
		return slog.NewJSONHandler(writer, opts), writer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// parseLevel converts configuration level into slog.Level.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// multiHandler fans one record out to several handlers.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range m {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to every enabled handler.
// Returns: joined errors of failing sinks.
func (m multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range m {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(multiHandler, 0, len(m))
	for _, handler := range m {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make(multiHandler, 0, len(m))
	for _, handler := range m {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// colorWriter paints text-handler lines by level and highlights attribute keys and quoted values.
type colorWriter struct {
	dst io.Writer
}

func (w *colorWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelTone(line)
	if tone == "" {
		return w.dst.Write(payload)
	}

	painted := quotedPattern.ReplaceAllStringFunc(line, func(match string) string {
		return ansiGreen + match + ansiReset + tone
	})
	painted = attrKeyPattern.ReplaceAllString(painted, "${1}"+ansiCyan+"${2}"+ansiReset+tone+"=")
	if _, err := io.WriteString(w.dst, tone+painted+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelTone(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}
