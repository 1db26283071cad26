package service

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// JournalReader returns recent log output for a unit.
type JournalReader interface {
	Recent(ctx context.Context, unit string, lines int, since time.Duration) (string, error)
}

// Journalctl reads the journal by shelling out. sdjournal would avoid the
// exec but requires cgo.
type Journalctl struct{}

func (Journalctl) Recent(ctx context.Context, unit string, lines int, since time.Duration) (string, error) {
	args := []string{
		"-u", unit,
		"-n", fmt.Sprintf("%d", lines),
		"--no-pager", "-q",
	}
	if since > 0 {
		args = append(args, "--since", fmt.Sprintf("-%ds", int(since.Seconds())))
	}
	out, err := exec.CommandContext(ctx, "journalctl", args...).Output()
	if err != nil {
		return "", fmt.Errorf("journalctl -u %s: %w", unit, err)
	}
	return string(out), nil
}
