// Package logging builds the process-wide slog logger and adapts it to
// types.Logger for packages that should not depend on slog directly.
package logging

import (
	"io"
	"log/slog"
	"os"

	"skyhook/internal/types"
)

// New returns a JSON slog.Logger writing to stdout at the given level.
// Unknown levels fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel maps a LOG_LEVEL value to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogAdapter wraps *slog.Logger to implement types.Logger. slog.Logger
// already has Info/Warn/Error, but its With returns *slog.Logger.
type SlogAdapter struct {
	logger *slog.Logger
}

var _ types.Logger = (*SlogAdapter)(nil)

// Adapt wraps l as a types.Logger.
func Adapt(l *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: l}
}

func (a *SlogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *SlogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *SlogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *SlogAdapter) With(args ...any) types.Logger {
	return &SlogAdapter{logger: a.logger.With(args...)}
}

// Slog returns the wrapped logger, for libraries that take *slog.Logger.
func (a *SlogAdapter) Slog() *slog.Logger {
	return a.logger
}
