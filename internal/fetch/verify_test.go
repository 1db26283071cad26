package fetch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEnsureKeyAlreadyPresent(t *testing.T) {
	var calls [][]string
	v := NewGPGVerifier("ABCDEF", "hkps://keys.openpgp.org", discard())
	v.run = func(ctx context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		return nil, nil
	}
	if err := v.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if len(calls) != 1 || calls[0][0] != "--list-keys" {
		t.Fatalf("expected a single list-keys call, got %v", calls)
	}
}

func TestEnsureKeyImports(t *testing.T) {
	var calls [][]string
	v := NewGPGVerifier("ABCDEF", "hkps://keys.openpgp.org", discard())
	v.run = func(ctx context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		if args[0] == "--list-keys" {
			return nil, errors.New("exit status 2")
		}
		return nil, nil
	}
	if err := v.EnsureKey(context.Background()); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected list then recv, got %v", calls)
	}
	recv := strings.Join(calls[1], " ")
	if !strings.Contains(recv, "--recv-keys ABCDEF") || !strings.Contains(recv, "--keyserver") {
		t.Fatalf("unexpected recv call %q", recv)
	}
}

func TestEnsureKeyImportFails(t *testing.T) {
	v := NewGPGVerifier("ABCDEF", "hkps://keys.openpgp.org", discard())
	v.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte("gpg: keyserver receive failed"), errors.New("exit status 2")
	}
	err := v.EnsureKey(context.Background())
	if err == nil || !strings.Contains(err.Error(), "recv-keys") {
		t.Fatalf("expected recv-keys error, got %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	v := NewGPGVerifier("ABCDEF", "hkps://keys.openpgp.org", discard())
	v.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte("gpg: BAD signature from key\nmore output"), errors.New("exit status 1")
	}
	err := v.Verify(context.Background(), "p.asc", "p")
	if err == nil {
		t.Fatalf("expected verification error")
	}
	if !strings.Contains(err.Error(), "BAD signature") {
		t.Fatalf("error should carry the first gpg output line, got %v", err)
	}
}

func TestVerifyGood(t *testing.T) {
	v := NewGPGVerifier("ABCDEF", "hkps://keys.openpgp.org", discard())
	v.run = func(ctx context.Context, args ...string) ([]byte, error) {
		if args[0] != "--verify" || args[1] != "p.asc" || args[2] != "p" {
			t.Fatalf("unexpected args %v", args)
		}
		return []byte("gpg: Good signature"), nil
	}
	if err := v.Verify(context.Background(), "p.asc", "p"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
