// Package logging provides structured logging for shmguard runs.
// It wraps Go's log/slog package: worker and coordinator events go to a
// shared, size-rotated audit file, and the coordinator mirrors them to a
// colored console.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Log levels as they appear in audit lines.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Sink is an append-only log taking level names as text, as read back
// from configuration or an operator.
type Sink interface {
	Write(level, message string) error
}

// Logger is a slog.Logger that also owns the files it writes to. Children
// made with With, WithWorker or WithComponent share those files, and
// closing any of them closes the files for all.
type Logger struct {
	sl    *slog.Logger
	files *fileSet

	// root, component and attrs rebuild sl when a child changes the
	// component, so an entry carries at most one.
	root      slog.Handler
	component string
	attrs     []any
}

type fileSet struct {
	mu    sync.Mutex
	owned []io.Closer
}

func (s *fileSet) adopt(c ...io.Closer) {
	s.mu.Lock()
	s.owned = append(s.owned, c...)
	s.mu.Unlock()
}

func (s *fileSet) take() []io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.owned
	s.owned = nil
	return out
}

func newLogger(h slog.Handler, files ...io.Closer) *Logger {
	fs := &fileSet{}
	fs.adopt(files...)
	return &Logger{sl: slog.New(h), files: fs, root: h}
}

// NewAuditLogger appends audit lines to path, rotating it according to rot.
// Several processes may hold the same path open.
func NewAuditLogger(path string, level string, rot RotationConfig) (*Logger, error) {
	rw, err := NewRotatingWriter(path, rot)
	if err != nil {
		return nil, err
	}
	return newLogger(NewAuditHandler(rw, parseLevel(level)), rw), nil
}

// NewConsoleLogger writes human-readable lines to w, colored when w is a
// terminal.
func NewConsoleLogger(w io.Writer, level string) *Logger {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !term.IsTerminal(int(f.Fd()))
	}
	return newLogger(tint.NewHandler(w, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.TimeOnly,
		NoColor:    plain,
	}))
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return newLogger(slog.DiscardHandler)
}

// Tee sends every entry to each non-nil logger. The result owns the files
// of all of them.
func Tee(loggers ...*Logger) *Logger {
	var (
		fan   fanoutHandler
		files []io.Closer
	)
	for _, l := range loggers {
		if l == nil {
			continue
		}
		fan = append(fan, l.sl.Handler())
		l.files.mu.Lock()
		files = append(files, l.files.owned...)
		l.files.mu.Unlock()
	}
	return newLogger(fan, files...)
}

func (l *Logger) derive(component string, attrs []any) *Logger {
	sl := slog.New(l.root)
	if component != "" {
		sl = sl.With("component", component)
	}
	if len(attrs) > 0 {
		sl = sl.With(attrs...)
	}
	return &Logger{sl: sl, files: l.files, root: l.root, component: component, attrs: attrs}
}

func (l *Logger) child(args ...any) *Logger {
	return l.derive(l.component, append(slices.Clip(l.attrs), args...))
}

// WithWorker tags every entry with the worker id.
func (l *Logger) WithWorker(id int) *Logger { return l.child("worker", id) }

// WithComponent tags every entry with a component name such as "watchdog",
// replacing the component of l if it has one.
func (l *Logger) WithComponent(name string) *Logger { return l.derive(name, l.attrs) }

// With tags every entry with alternating key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return l.child(args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Log(context.Background(), slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Log(context.Background(), slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Log(context.Background(), slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Log(context.Background(), slog.LevelError, msg, args...) }

// Write implements Sink. level is one of ValidLevels, any case.
func (l *Logger) Write(level, message string) error {
	if !isValidLevel(level) {
		return fmt.Errorf("unknown log level %q", level)
	}
	l.sl.Log(context.Background(), parseLevel(level), message)
	return nil
}

// Close flushes and closes the files behind l. Console and nop loggers
// own none. Later calls return nil.
func (l *Logger) Close() error {
	var first error
	for _, c := range l.files.take() {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ParseLevel normalizes level to one of ValidLevels, INFO when unknown.
func ParseLevel(level string) string {
	return levelName(parseLevel(level))
}

// ValidLevels returns the accepted level names.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

func isValidLevel(level string) bool {
	up := strings.ToUpper(level)
	return up == "WARNING" || slices.Contains(ValidLevels(), up)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "WARNING":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
