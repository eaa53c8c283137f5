package types

import (
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout skyhook.
// Implementations wrap log/slog; see internal/logging.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// NopLogger discards everything. Used where a caller passes no logger.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)   {}
func (NopLogger) Error(string, ...any)  {}
func (NopLogger) Warn(string, ...any)   {}
func (n NopLogger) With(...any) Logger { return n }
