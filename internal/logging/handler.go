// Package logging provides the compact line format used across the service:
// [timestamp] [PID:n] [GID:n] [LEVEL] message key=value
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"portal-bridge/config"
)

// MaxDisplayLength caps a message on the console.
const MaxDisplayLength = 500

// SimpleHandler writes one formatted line per record to the console and,
// optionally, untruncated to a log file.
type SimpleHandler struct {
	level   *slog.LevelVar
	console io.Writer
	file    *os.File
	mu      *sync.Mutex
	attrs   []slog.Attr
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler creates a handler writing to console; pass nil for os.Stdout.
func NewHandler(console io.Writer, level slog.Level) *SimpleHandler {
	if console == nil {
		console = os.Stdout
	}
	lv := &slog.LevelVar{}
	lv.Set(level)
	return &SimpleHandler{level: lv, console: console, mu: &sync.Mutex{}}
}

// Setup builds the process logger from cfg.
func Setup(cfg config.LoggingConfig) (*slog.Logger, *SimpleHandler, error) {
	h := NewHandler(os.Stdout, ParseLevel(cfg.Level))
	if cfg.FileEnabled {
		if err := h.OpenFile(cfg.FilePath); err != nil {
			return slog.New(h), h, err
		}
	}
	return slog.New(h), h, nil
}

// OpenFile appends full log lines to path as well.
func (h *SimpleHandler) OpenFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	h.mu.Lock()
	h.file = f
	h.mu.Unlock()
	return nil
}

// SetLevel changes the level of this handler and every handler derived from it.
func (h *SimpleHandler) SetLevel(level slog.Level) {
	h.level.Set(level)
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message

	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := fmt.Sprintf("[%s] [PID:%d] [GID:%d] [%s]",
		ts.Format("2006-01-02 15:04:05.000"), os.Getpid(), goroutineID(), levelName(r.Level))

	display := message
	if len(display) > MaxDisplayLength {
		display = display[:MaxDisplayLength] + "... (truncated)"
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		fmt.Fprintf(h.file, "%s %s\n", prefix, message)
	}
	_, err := fmt.Fprintf(h.console, "%s %s\n", prefix, display)
	return err
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup is a no-op; the line format has no nesting.
func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	return h
}

// Close flushes and closes the log file, if any.
func (h *SimpleHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	h.file.Sync()
	err := h.file.Close()
	h.file = nil
	return err
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// goroutineID extracts the goroutine id from the runtime stack header.
func goroutineID() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return id
}
