package archive

import (
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

func writeExec(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotCopiesInstalledBinaries(t *testing.T) {
	install := t.TempDir()
	root := t.TempDir()
	writeExec(t, install, "polkadot", "v1")
	writeExec(t, install, "polkadot-execute-worker", "v1w")

	m := NewManager(root, discard())
	now := time.Date(2026, 6, 2, 8, 30, 15, 0, time.UTC)
	snap, err := m.Snapshot([]string{"polkadot", "polkadot-execute-worker", "polkadot-prepare-worker"},
		install, "stable2506", now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	wantDir := filepath.Join(root, "2026-06-02_083015_stable2506")
	if snap.Dir != wantDir {
		t.Fatalf("snapshot dir %q, want %q", snap.Dir, wantDir)
	}
	// missing prepare-worker is skipped, not an error
	if len(snap.Binaries) != 2 {
		t.Fatalf("expected 2 archived binaries, got %v", snap.Binaries)
	}
	b, err := os.ReadFile(filepath.Join(wantDir, "polkadot"))
	if err != nil || string(b) != "v1" {
		t.Fatalf("archived content mismatch: %q %v", b, err)
	}
}

func TestSnapshotSkipsNonExecutable(t *testing.T) {
	install := t.TempDir()
	if err := os.WriteFile(filepath.Join(install, "polkadot"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(t.TempDir(), discard())
	snap, err := m.Snapshot([]string{"polkadot"}, install, "stable2506", time.Now())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Binaries) != 0 {
		t.Fatalf("non-executable file must not be archived: %v", snap.Binaries)
	}
}

func TestRestoreBringsBinariesBack(t *testing.T) {
	install := t.TempDir()
	root := t.TempDir()
	writeExec(t, install, "polkadot", "old")

	m := NewManager(root, discard())
	snap, err := m.Snapshot([]string{"polkadot"}, install, "stable2504", time.Now())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// overwrite, then restore
	writeExec(t, install, "polkadot", "new-broken")
	if err := m.Restore(snap.Dir, install); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(install, "polkadot"))
	if err != nil || string(b) != "old" {
		t.Fatalf("restored content mismatch: %q %v", b, err)
	}
	info, err := os.Stat(filepath.Join(install, "polkadot"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("restored binary must be executable, mode %v", info.Mode())
	}
}

func TestInstallStagedBinaries(t *testing.T) {
	install := t.TempDir()
	staging := t.TempDir()
	if err := os.WriteFile(filepath.Join(staging, "polkadot"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(t.TempDir(), discard())
	if err := m.Install(map[string]string{"polkadot": filepath.Join(staging, "polkadot")}, install); err != nil {
		t.Fatalf("Install: %v", err)
	}
	info, err := os.Stat(filepath.Join(install, "polkadot"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("installed mode %v, want 0755", info.Mode().Perm())
	}
}

func TestPruneKeepsTwoMostRecent(t *testing.T) {
	root := t.TempDir()
	dirs := []string{
		"2026-01-01_000000_stable2412",
		"2026-02-01_000000_stable2501",
		"2026-03-01_000000_stable2503",
		"2026-04-01_000000_stable2504",
	}
	for _, d := range dirs {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// an unrelated directory must survive
	if err := os.Mkdir(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewManager(root, discard())
	if err := m.Prune(2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	entries, _ := os.ReadDir(root)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	want := map[string]bool{dirs[2]: true, dirs[3]: true, "scratch": true}
	if len(left) != 3 {
		t.Fatalf("expected 3 survivors, got %v", left)
	}
	for _, n := range left {
		if !want[n] {
			t.Fatalf("unexpected survivor %q", n)
		}
	}
}

func TestPruneMissingRootIsNoop(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"), discard())
	if err := m.Prune(2); err != nil {
		t.Fatalf("Prune on missing root: %v", err)
	}
}
