package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ManualInstallTag marks a record synthesized from a binary that was placed
// on the host outside of the updater. Any upstream tag compares as newer.
const ManualInstallTag = "installed-manually"

// Record is the durable identity of the last successfully applied release.
// It is the only state the updater persists between runs.
type Record struct {
	Tag         string    `json:"tag"`
	Version     string    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at"`
}

// IsCurrent reports whether tag matches the recorded tag. Comparison is
// plain string equality, not semantic ordering: an upstream re-tag to an
// older release is treated as new work on purpose.
func (r Record) IsCurrent(tag string) bool { return r.Tag != "" && r.Tag == tag }

// Store reads and writes the tracking file. When the file is absent, Load
// synthesizes a record by probing the installed binary's self-reported
// version.
type Store struct {
	Path       string // tracking file location
	BinaryPath string // installed binary probed on first run
	Logger     *slog.Logger

	// probe is swappable for tests; defaults to running BinaryPath --version.
	probe func(bin string) (string, error)
}

func NewStore(path, binaryPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Path: path, BinaryPath: binaryPath, Logger: logger, probe: probeVersion}
}

// Load returns the tracked record. A missing file is not an error: the
// installed binary is probed instead, and if no binary exists an empty
// record is returned so any candidate appears newer.
func (s *Store) Load() (Record, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return s.synthesize(), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read tracking file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("parse tracking file %s: %w", s.Path, err)
	}
	return rec, nil
}

// Save writes rec atomically (temp file + rename in the target directory).
// Callers must invoke this only as the final step of a fully successful run.
func (s *Store) Save(rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tracking dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tracking-*")
	if err != nil {
		return fmt.Errorf("create temp tracking file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace tracking file: %w", err)
	}
	return nil
}

// InstalledVersion probes the installed binary's self-reported version.
func (s *Store) InstalledVersion() (string, error) {
	if s.probe == nil {
		s.probe = probeVersion
	}
	return s.probe(s.BinaryPath)
}

func (s *Store) synthesize() Record {
	if s.probe == nil {
		s.probe = probeVersion
	}
	version, err := s.probe(s.BinaryPath)
	if err != nil {
		s.Logger.Info("no tracking file and no installed binary, starting empty",
			"path", s.Path, "binary", s.BinaryPath)
		return Record{}
	}
	s.Logger.Info("no tracking file, recording installed binary",
		"binary", s.BinaryPath, "version", version)
	return Record{Tag: ManualInstallTag, Version: version, UpdatedAt: time.Now().UTC()}
}

// probeVersion runs the binary with --version and returns the version token,
// e.g. "polkadot 1.14.0-abcdef123" yields "1.14.0-abcdef123".
func probeVersion(bin string) (string, error) {
	out, err := exec.Command(bin, "--version").Output()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return "", fmt.Errorf("unexpected version output %q", strings.TrimSpace(string(out)))
	}
	return fields[1], nil
}
