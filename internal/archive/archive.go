// Package archive snapshots installed binaries before they are overwritten
// and restores them when an update is rolled back.
package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Snapshot is a dated, tag-qualified copy of the binaries that were
// installed before an update attempt. Immutable after creation.
type Snapshot struct {
	Dir      string
	Tag      string
	Binaries []string
}

// snapshotName matches the naming convention produced by Snapshot. The date
// prefix makes lexicographic order chronological, which Prune relies on.
var snapshotName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{6}_`)

// Manager owns the archive root directory.
type Manager struct {
	Root   string
	Logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Root: root, Logger: logger}
}

// Snapshot copies every binary currently present and executable in
// installDir into a new dated directory. A binary absent from installDir is
// skipped, not an error: first-time installs have nothing to archive.
func (m *Manager) Snapshot(binaries []string, installDir, tag string, now time.Time) (*Snapshot, error) {
	name := fmt.Sprintf("%s_%s", now.UTC().Format("2006-01-02_150405"), tag)
	dir := filepath.Join(m.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snap := &Snapshot{Dir: dir, Tag: tag}
	for _, b := range binaries {
		src := filepath.Join(installDir, b)
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			m.Logger.Info("binary not installed, nothing to archive", "binary", b)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", src, err)
		}
		if info.Mode()&0o111 == 0 {
			m.Logger.Warn("installed file is not executable, skipping archive", "binary", b)
			continue
		}
		if err := copyFile(src, filepath.Join(dir, b), info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("archive %s: %w", b, err)
		}
		snap.Binaries = append(snap.Binaries, b)
	}
	m.Logger.Info("snapshot created", "dir", dir, "binaries", len(snap.Binaries))
	return snap, nil
}

// Restore copies every file present in the snapshot directory back into
// installDir, restoring execute permission and, when restorecon exists on
// the host, the SELinux label.
func (m *Manager) Restore(snapshotDir, installDir string) error {
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(installDir, e.Name())
		if err := copyFile(filepath.Join(snapshotDir, e.Name()), dst, 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", e.Name(), err)
		}
		relabel(dst)
		m.Logger.Info("binary restored", "binary", e.Name())
	}
	return nil
}

// Prune removes all but the most recent keep snapshots. Directories not
// matching the snapshot naming convention are left alone.
func (m *Manager) Prune(keep int) error {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && snapshotName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, n := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(m.Root, n)); err != nil {
			return fmt.Errorf("prune %s: %w", n, err)
		}
		m.Logger.Info("old snapshot pruned", "dir", n)
	}
	return nil
}

// Install copies staged binaries into installDir with execute permission and
// the platform security label. Shared with the orchestrator so install and
// restore behave identically.
func (m *Manager) Install(staged map[string]string, installDir string) error {
	for name, src := range staged {
		dst := filepath.Join(installDir, name)
		if err := copyFile(src, dst, 0o755); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
		relabel(dst)
		m.Logger.Info("binary installed", "binary", name)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// relabel applies the host SELinux context when the tooling is available.
func relabel(path string) {
	if _, err := exec.LookPath("restorecon"); err != nil {
		return
	}
	_ = exec.Command("restorecon", path).Run()
}
