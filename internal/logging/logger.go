package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. The level sits behind a
// LevelVar so a future admin endpoint can turn debug on without a restart.
func NewLogger(level string) *slog.Logger {
	var lv slog.LevelVar
	lv.Set(ParseLevel(level))
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     &lv,
		AddSource: true,
	})
	return slog.New(handler)
}

// Component tags every record from one subsystem (a reaper, the HTTP layer)
// so its lines can be filtered out of the shared stream.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

// ParseLevel accepts the slog level names plus "warning"; anything it does
// not recognize falls back to info.
func ParseLevel(level string) slog.Level {
	s := strings.TrimSpace(level)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
