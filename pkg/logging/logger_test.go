package logging

import (
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelInfo, // levels are lowercase by convention
		"warning": slog.LevelInfo,
	}
	for level, want := range cases {
		l := New(level)
		if l == nil || l.Logger == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
		if got := l.Enabled(nil, want); !got {
			t.Errorf("New(%q): expected level %v enabled", level, want)
		}
	}
}

func TestWithReturnsWrappedLogger(t *testing.T) {
	l := Default().With("component", "test")
	if l == nil || l.Logger == nil {
		t.Fatal("With returned nil logger")
	}
}
