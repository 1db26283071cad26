package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// GPGVerifier validates detached signatures with the host gpg keyring. One
// trusted key, identified by fingerprint, is auto-imported from the key
// server on first use.
type GPGVerifier struct {
	Fingerprint string
	Keyserver   string
	Logger      *slog.Logger

	// run is swappable for tests; defaults to executing gpg.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewGPGVerifier(fingerprint, keyserver string, logger *slog.Logger) *GPGVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &GPGVerifier{
		Fingerprint: fingerprint,
		Keyserver:   keyserver,
		Logger:      logger,
		run:         runGPG,
	}
}

func (g *GPGVerifier) EnsureKey(ctx context.Context) error {
	if _, err := g.run(ctx, "--list-keys", g.Fingerprint); err == nil {
		return nil
	}
	g.Logger.Info("importing signing key", "fingerprint", g.Fingerprint, "keyserver", g.Keyserver)
	out, err := g.run(ctx, "--keyserver", g.Keyserver, "--recv-keys", g.Fingerprint)
	if err != nil {
		return fmt.Errorf("recv-keys %s: %w (%s)", g.Fingerprint, err, firstLine(out))
	}
	return nil
}

func (g *GPGVerifier) Verify(ctx context.Context, sigPath, artifactPath string) error {
	out, err := g.run(ctx, "--verify", sigPath, artifactPath)
	if err != nil {
		return fmt.Errorf("signature check failed: %w (%s)", err, firstLine(out))
	}
	return nil
}

func runGPG(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gpg", args...)
	return cmd.CombinedOutput()
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
