package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/luizv/polkadot-updater/internal/logger"
)

// Config represents the top-level TOML structure.
type Config struct {
	Updater UpdaterConfig `toml:"updater" mapstructure:"updater"`
	Release ReleaseConfig `toml:"release" mapstructure:"release"`
	Verify  VerifyConfig  `toml:"verify" mapstructure:"verify"`
	Alerts  AlertsConfig  `toml:"alerts" mapstructure:"alerts"`
	Health  HealthConfig  `toml:"health" mapstructure:"health"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

type UpdaterConfig struct {
	InstallDir    string   `toml:"install_dir" mapstructure:"install_dir"`
	Binaries      []string `toml:"binaries" mapstructure:"binaries"`
	Units         []string `toml:"units" mapstructure:"units"`
	ArchiveDir    string   `toml:"archive_dir" mapstructure:"archive_dir"`
	TrackingFile  string   `toml:"tracking_file" mapstructure:"tracking_file"`
	KeepSnapshots int      `toml:"keep_snapshots" mapstructure:"keep_snapshots"`
	ScopeSuffix   string   `toml:"scope_suffix" mapstructure:"scope_suffix"`
	ServerScope   string   `toml:"server_scope" mapstructure:"server_scope"`
}

type ReleaseConfig struct {
	IndexURL       string `toml:"index_url" mapstructure:"index_url"`
	DownloadBase   string `toml:"download_base" mapstructure:"download_base"`
	TagPrefix      string `toml:"tag_prefix" mapstructure:"tag_prefix"`
	ChannelPattern string `toml:"channel_pattern" mapstructure:"channel_pattern"`
}

type VerifyConfig struct {
	Fingerprint string `toml:"fingerprint" mapstructure:"fingerprint"`
	Keyserver   string `toml:"keyserver" mapstructure:"keyserver"`
}

type AlertsConfig struct {
	Enabled bool                `toml:"enabled" mapstructure:"enabled"`
	Source  string              `toml:"source" mapstructure:"source"`
	Routes  map[string][]string `toml:"routes" mapstructure:"routes"`
	Timeout time.Duration       `toml:"timeout" mapstructure:"timeout"`
	Retries int                 `toml:"retries" mapstructure:"retries"`
}

type HealthConfig struct {
	SettleDelay     time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	TelemetryDelay  time.Duration `toml:"telemetry_delay" mapstructure:"telemetry_delay"`
	RetryDelay      time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
	LogLines        int           `toml:"log_lines" mapstructure:"log_lines"`
	FatalPatterns   []string      `toml:"fatal_patterns" mapstructure:"fatal_patterns"`
	DegradedPattern string        `toml:"degraded_pattern" mapstructure:"degraded_pattern"`
}

type HistoryConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path" mapstructure:"textfile_path"`
}

// Load reads and validates the TOML configuration at path. On a validation
// error the parsed config is returned alongside it, so the caller can still
// use whatever alert routes it carries to report the problem.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if len(c.Updater.Binaries) == 0 {
		c.Updater.Binaries = []string{"polkadot", "polkadot-execute-worker", "polkadot-prepare-worker"}
	}
	if c.Updater.KeepSnapshots <= 0 {
		c.Updater.KeepSnapshots = 2
	}
	if c.Updater.ServerScope == "" {
		c.Updater.ServerScope = "server"
	}
	if c.Release.IndexURL == "" {
		c.Release.IndexURL = "https://api.github.com/repos/paritytech/polkadot-sdk/releases/latest"
	}
	if c.Release.DownloadBase == "" {
		c.Release.DownloadBase = "https://github.com/paritytech/polkadot-sdk/releases/download"
	}
	if c.Release.TagPrefix == "" {
		c.Release.TagPrefix = "polkadot-"
	}
	if c.Release.ChannelPattern == "" {
		c.Release.ChannelPattern = "^stable"
	}
	if c.Verify.Keyserver == "" {
		c.Verify.Keyserver = "hkps://keys.openpgp.org"
	}
	if c.Alerts.Source == "" {
		c.Alerts.Source = "polkadot-updater"
	}
	if c.Alerts.Timeout <= 0 {
		c.Alerts.Timeout = 10 * time.Second
	}
	if c.Alerts.Retries <= 0 {
		c.Alerts.Retries = 2
	}
	if c.Health.SettleDelay <= 0 {
		c.Health.SettleDelay = 30 * time.Second
	}
	if c.Health.TelemetryDelay <= 0 {
		c.Health.TelemetryDelay = 60 * time.Second
	}
	if c.Health.RetryDelay <= 0 {
		c.Health.RetryDelay = 30 * time.Second
	}
	if c.Health.LogLines <= 0 {
		c.Health.LogLines = 50
	}
}

// Validate rejects configurations that would only fail mid-run. Alert route
// addresses in particular are checked here rather than per-post.
func (c *Config) Validate() error {
	if c.Updater.InstallDir == "" {
		return fmt.Errorf("updater.install_dir is required")
	}
	if len(c.Updater.Units) == 0 {
		return fmt.Errorf("updater.units must name at least one systemd unit")
	}
	if c.Updater.ArchiveDir == "" {
		return fmt.Errorf("updater.archive_dir is required")
	}
	if c.Updater.TrackingFile == "" {
		return fmt.Errorf("updater.tracking_file is required")
	}
	if c.Verify.Fingerprint == "" {
		return fmt.Errorf("verify.fingerprint is required")
	}
	if _, err := regexp.Compile(c.Release.ChannelPattern); err != nil {
		return fmt.Errorf("release.channel_pattern: %w", err)
	}
	for _, p := range c.Health.FatalPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("health.fatal_patterns %q: %w", p, err)
		}
	}
	if c.Health.DegradedPattern != "" {
		if _, err := regexp.Compile(c.Health.DegradedPattern); err != nil {
			return fmt.Errorf("health.degraded_pattern: %w", err)
		}
	}
	if c.Alerts.Enabled {
		for scope, endpoints := range c.Alerts.Routes {
			for _, ep := range endpoints {
				u, err := url.Parse(ep)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					return fmt.Errorf("alerts.routes[%s]: malformed endpoint %q", scope, ep)
				}
			}
		}
	}
	return nil
}

// ChannelRegexp returns the compiled channel filter. Call after Validate.
func (c *Config) ChannelRegexp() *regexp.Regexp {
	return regexp.MustCompile(c.Release.ChannelPattern)
}
