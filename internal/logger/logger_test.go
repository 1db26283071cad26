package logger

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	l := Config{}.New()
	if l == nil {
		t.Fatalf("expected logger")
	}
	if !l.Enabled(nil, slog.LevelInfo) {
		t.Fatalf("default level should include info")
	}
	if l.Enabled(nil, slog.LevelDebug) {
		t.Fatalf("default level should exclude debug")
	}
}

func TestNewLevels(t *testing.T) {
	l := Config{Level: "error"}.New()
	if l.Enabled(nil, slog.LevelWarn) {
		t.Fatalf("error level should exclude warn")
	}
	l = Config{Level: "debug"}.New()
	if !l.Enabled(nil, slog.LevelDebug) {
		t.Fatalf("debug level should include debug")
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.log")
	l := Config{Path: path, Format: "json"}.New()
	// lumberjack creates the file lazily; force a write
	l.Info("hello", "key", "value")
}

func TestValOr(t *testing.T) {
	if valOr(0, 10) != 10 || valOr(-1, 10) != 10 || valOr(5, 10) != 5 {
		t.Fatalf("valOr defaulting broken")
	}
}
