// Package log sets up the process-wide slog logger.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogLevel = slog.Level

const (
	DebugLevel = slog.LevelDebug
	InfoLevel  = slog.LevelInfo
	WarnLevel  = slog.LevelWarn
	ErrorLevel = slog.LevelError
)

// Format selects the handler that renders records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" or "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown log format %q, want text or json", s)
}

// The run log lives in the temp dir, one file per process.
var runLogFile = sync.OnceValues(func() (io.Writer, error) {
	name := fmt.Sprintf("longg-%s.log", time.Now().Format("2006-01-02T15:04:05.000Z"))
	return os.OpenFile(filepath.Join(os.TempDir(), name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
})

// Option is a logger option.
type Option func(*options)

type options struct {
	level  LogLevel
	format Format
	stderr bool
	w      io.Writer
}

// WithLevel sets the minimum level. The default is InfoLevel.
func WithLevel(level LogLevel) Option {
	return func(o *options) { o.level = level }
}

// WithJSON renders records as JSON objects instead of key=value text.
func WithJSON() Option {
	return func(o *options) { o.format = FormatJSON }
}

// WithAlsoLogToStderr copies every record to stderr.
func WithAlsoLogToStderr() Option {
	return func(o *options) { o.stderr = true }
}

// WithWriter replaces the run log file with w.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.w = w }
}

// Init installs the default logger. Records carry the call site with the
// directory trimmed off.
func Init(opts ...Option) error {
	o := &options{level: InfoLevel, format: FormatText}
	for _, opt := range opts {
		opt(o)
	}

	w := o.w
	if w == nil {
		f, err := runLogFile()
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	}
	if o.stderr {
		w = io.MultiWriter(os.Stderr, w)
	}

	hopts := &slog.HandlerOptions{
		AddSource: true,
		Level:     o.level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if src, ok := a.Value.Any().(*slog.Source); ok && a.Key == slog.SourceKey {
				src.File = filepath.Base(src.File)
			}
			return a
		},
	}
	var h slog.Handler
	if o.format == FormatJSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// lineWriter logs each write as one record.
type lineWriter struct {
	level LogLevel
}

func (w lineWriter) Write(p []byte) (int, error) {
	slog.Default().Log(context.Background(), w.level, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewDefaultLogWriter returns an io.Writer for stdlib loggers, such as the
// metrics HTTP server's, that forwards to the default logger at level.
func NewDefaultLogWriter(level LogLevel) io.Writer {
	return lineWriter{level: level}
}
