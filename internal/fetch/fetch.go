package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Verifier checks a detached signature against a trusted key. The concrete
// implementation lives in verify.go; the orchestrator and tests depend only
// on this contract.
type Verifier interface {
	// EnsureKey makes the trusted signing key available locally, importing
	// it from the key server if absent.
	EnsureKey(ctx context.Context) error
	// Verify validates artifactPath against its detached signature.
	Verify(ctx context.Context, sigPath, artifactPath string) error
}

// Staged is a process-scoped download area holding verified binaries ready
// for installation.
type Staged struct {
	Dir   string
	Paths map[string]string // binary name -> staged file path
}

// Cleanup removes the staging directory. Safe to call on a nil receiver.
func (s *Staged) Cleanup() {
	if s == nil || s.Dir == "" {
		return
	}
	_ = os.RemoveAll(s.Dir)
}

// Fetcher downloads release artifacts and their detached signatures and has
// them verified before anything destructive happens. It never retries a
// download: a flaky network aborts the run before services are touched.
type Fetcher struct {
	DownloadBase string // e.g. https://github.com/paritytech/polkadot-sdk/releases/download
	Client       *http.Client
	Verifier     Verifier
	Logger       *slog.Logger
}

func NewFetcher(downloadBase string, verifier Verifier, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		DownloadBase: downloadBase,
		Client:       &http.Client{Timeout: 10 * time.Minute},
		Verifier:     verifier,
		Logger:       logger,
	}
}

// Stage downloads every binary of the plan plus its .asc signature into a
// fresh temp directory and verifies each one. On any failure the whole area
// is removed and an error returned; a partially verified set never survives.
func (f *Fetcher) Stage(ctx context.Context, tag string, binaries []string) (*Staged, error) {
	dir, err := os.MkdirTemp("", "polkadot-updater-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	st := &Staged{Dir: dir, Paths: make(map[string]string, len(binaries))}

	if err := f.Verifier.EnsureKey(ctx); err != nil {
		st.Cleanup()
		return nil, fmt.Errorf("import signing key: %w", err)
	}
	for _, name := range binaries {
		binPath := filepath.Join(dir, name)
		sigPath := binPath + ".asc"
		if err := f.download(ctx, f.artifactURL(tag, name), binPath); err != nil {
			st.Cleanup()
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
		if err := f.download(ctx, f.artifactURL(tag, name+".asc"), sigPath); err != nil {
			st.Cleanup()
			return nil, fmt.Errorf("download signature for %s: %w", name, err)
		}
		if err := f.Verifier.Verify(ctx, sigPath, binPath); err != nil {
			st.Cleanup()
			return nil, fmt.Errorf("verify %s: %w", name, err)
		}
		f.Logger.Info("artifact verified", "binary", name, "tag", tag)
		st.Paths[name] = binPath
	}
	return st, nil
}

func (f *Fetcher) artifactURL(tag, name string) string {
	return fmt.Sprintf("%s/%s/%s", f.DownloadBase, tag, name)
}

func (f *Fetcher) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
