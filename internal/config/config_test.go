package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
[updater]
install_dir = "/usr/local/bin"
units = ["validator@kusama1"]
archive_dir = "/var/lib/polkadot-updater/archive"
tracking_file = "/var/lib/polkadot-updater/release.json"

[verify]
fingerprint = "9D4B2B6EB8F97156D19669A9FF0812D491B96798"
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Updater.Binaries) != 3 || c.Updater.Binaries[0] != "polkadot" {
		t.Fatalf("default binaries %v", c.Updater.Binaries)
	}
	if c.Updater.KeepSnapshots != 2 {
		t.Fatalf("default keep_snapshots %d", c.Updater.KeepSnapshots)
	}
	if c.Updater.ServerScope != "server" {
		t.Fatalf("default server_scope %q", c.Updater.ServerScope)
	}
	if c.Release.TagPrefix != "polkadot-" || c.Release.ChannelPattern != "^stable" {
		t.Fatalf("release defaults %+v", c.Release)
	}
	if c.Health.SettleDelay != 30*time.Second || c.Health.TelemetryDelay != 60*time.Second {
		t.Fatalf("health defaults %+v", c.Health)
	}
	if c.Verify.Keyserver == "" {
		t.Fatalf("keyserver default missing")
	}
}

func TestLoadFullConfig(t *testing.T) {
	body := `
[updater]
install_dir = "/usr/local/bin"
units = ["validator@kusama1", "validator@kusama2"]
archive_dir = "/var/lib/polkadot-updater/archive"
tracking_file = "/var/lib/polkadot-updater/release.json"
scope_suffix = "-validator"

[verify]
fingerprint = "9D4B2B6EB8F97156D19669A9FF0812D491B96798"

[release]
channel_pattern = "^stable25"

[alerts]
enabled = true
timeout = "5s"
retries = 3

[alerts.routes]
server = ["http://alertmanager:9093/api/v2/alerts"]
kusama1 = ["http://alertmanager:9093/api/v2/alerts", "https://backup:9093/api/v2/alerts"]

[health]
settle_delay = "10s"
fatal_patterns = ["panicked at"]

[history]
path = "/var/lib/polkadot-updater/history.db"
`
	c, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Alerts.Timeout != 5*time.Second || c.Alerts.Retries != 3 {
		t.Fatalf("alerts %+v", c.Alerts)
	}
	if len(c.Alerts.Routes["kusama1"]) != 2 {
		t.Fatalf("routes %v", c.Alerts.Routes)
	}
	if c.Health.SettleDelay != 10*time.Second {
		t.Fatalf("settle_delay %v", c.Health.SettleDelay)
	}
	if c.ChannelRegexp().String() != "^stable25" {
		t.Fatalf("channel %q", c.ChannelRegexp().String())
	}
	if c.History.Path == "" {
		t.Fatalf("history path lost")
	}
}

func TestValidateMissingInstallDir(t *testing.T) {
	body := strings.Replace(minimal, `install_dir = "/usr/local/bin"`, "", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "install_dir") {
		t.Fatalf("expected install_dir error, got %v", err)
	}
}

func TestValidateMissingFingerprint(t *testing.T) {
	body := strings.Replace(minimal, `fingerprint = "9D4B2B6EB8F97156D19669A9FF0812D491B96798"`, "", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "fingerprint") {
		t.Fatalf("expected fingerprint error, got %v", err)
	}
}

func TestValidateErrorStillReturnsParsedConfig(t *testing.T) {
	body := strings.Replace(minimal, `fingerprint = "9D4B2B6EB8F97156D19669A9FF0812D491B96798"`, "", 1) + `
[alerts]
enabled = true

[alerts.routes]
server = ["http://alertmanager:9093/api/v2/alerts"]
`
	c, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	// the caller still gets the parsed alert routes to report the error with
	if c == nil || len(c.Alerts.Routes["server"]) != 1 {
		t.Fatalf("partial config not returned alongside validation error: %+v", c)
	}
	if c.Updater.ServerScope != "server" {
		t.Fatalf("defaults must be applied before validation: %+v", c.Updater)
	}
}

func TestValidateMalformedAlertEndpoint(t *testing.T) {
	body := minimal + `
[alerts]
enabled = true

[alerts.routes]
server = ["noturl"]
`
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "malformed endpoint") {
		t.Fatalf("expected malformed endpoint error, got %v", err)
	}
}

func TestValidateMalformedEndpointsIgnoredWhenDisabled(t *testing.T) {
	body := minimal + `
[alerts]
enabled = false

[alerts.routes]
server = ["noturl"]
`
	if _, err := Load(writeConfig(t, body)); err != nil {
		t.Fatalf("disabled alerting should not validate routes: %v", err)
	}
}

func TestValidateBadChannelPattern(t *testing.T) {
	body := minimal + `
[release]
channel_pattern = "["
`
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "channel_pattern") {
		t.Fatalf("expected channel_pattern error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
