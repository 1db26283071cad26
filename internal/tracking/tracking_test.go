package tracking

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMissingProbesBinary(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "release.json"), "/usr/local/bin/polkadot", discard())
	s.probe = func(bin string) (string, error) { return "1.14.0-abc123", nil }

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Tag != ManualInstallTag {
		t.Fatalf("expected sentinel tag, got %q", rec.Tag)
	}
	if rec.Version != "1.14.0-abc123" {
		t.Fatalf("expected probed version, got %q", rec.Version)
	}
}

func TestLoadMissingNoBinary(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "release.json"), "/nope", discard())
	s.probe = func(bin string) (string, error) { return "", errors.New("no such file") }

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Tag != "" || rec.Version != "" {
		t.Fatalf("expected empty record, got %+v", rec)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")
	s := NewStore(path, "", discard())

	want := Record{
		Tag:         "stable2506",
		Version:     "1.16.0-deadbeef",
		UpdatedAt:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		PublishedAt: time.Date(2026, 5, 28, 9, 30, 0, 0, time.UTC),
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, want)
	}
	// no stray temp files
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the tracking file in %s, found %d entries", dir, len(entries))
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "state", "release.json"), "", discard())
	if err := s.Save(Record{Tag: "stable2506"}); err != nil {
		t.Fatalf("Save into missing dir: %v", err)
	}
}

func TestIsCurrentPlainEquality(t *testing.T) {
	rec := Record{Tag: "stable2506"}
	if !rec.IsCurrent("stable2506") {
		t.Fatalf("same tag should be current")
	}
	// An "older" tag still counts as different, hence newer. No semver.
	if rec.IsCurrent("stable2504") {
		t.Fatalf("different tag must not be current")
	}
	empty := Record{}
	if empty.IsCurrent("") {
		t.Fatalf("empty record is never current")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, "", discard())
	if _, err := s.Load(); err == nil {
		t.Fatalf("expected error for corrupt tracking file")
	}
}
