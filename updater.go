// Package updater assembles the update workflow from configuration. It is
// the stable public surface for the CLI and for embedding.
package updater

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/luizv/polkadot-updater/internal/alert"
	"github.com/luizv/polkadot-updater/internal/archive"
	"github.com/luizv/polkadot-updater/internal/config"
	"github.com/luizv/polkadot-updater/internal/fetch"
	"github.com/luizv/polkadot-updater/internal/health"
	"github.com/luizv/polkadot-updater/internal/release"
	"github.com/luizv/polkadot-updater/internal/service"
	"github.com/luizv/polkadot-updater/internal/tracking"
	iupdater "github.com/luizv/polkadot-updater/internal/updater"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = config.Config

type Result = iupdater.Result

type Outcome = iupdater.Outcome

const (
	OutcomeNoop       = iupdater.OutcomeNoop
	OutcomeUpdated    = iupdater.OutcomeUpdated
	OutcomeFailed     = iupdater.OutcomeFailed
	OutcomeRolledBack = iupdater.OutcomeRolledBack
)

// LoadConfig reads and validates the TOML configuration at path. On a
// validation error the parsed config is returned alongside it; see
// AlertConfigError.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// AlertConfigError emits one best-effort critical alert at the server scope
// describing a configuration error, using whatever alert routes the
// partially valid config carries. Delivery failures are swallowed: the
// process is about to exit non-zero either way.
func AlertConfigError(cfg *Config, logger *slog.Logger, err error) {
	if cfg == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := alert.NewDispatcher(cfg.Alerts.Enabled, cfg.Alerts.Source, cfg.Alerts.Routes, logger)
	if cfg.Alerts.Timeout > 0 {
		d.Timeout = cfg.Alerts.Timeout
	}
	if cfg.Alerts.Retries > 0 {
		d.Retries = uint64(cfg.Alerts.Retries)
	}
	scope := cfg.Updater.ServerScope
	if scope == "" {
		scope = "server"
	}
	d.Error(scope, "", "critical", "updater misconfigured", err.Error())
}

// Runner is one fully wired update workflow.
type Runner struct {
	orch     *iupdater.Orchestrator
	services *service.Controller
	tracking *tracking.Store
	units    []service.Unit
}

// New wires every collaborator from cfg. The returned Runner performs one
// workflow run per Run call; invocation scheduling is external.
func New(cfg *Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	dispatcher := alert.NewDispatcher(cfg.Alerts.Enabled, cfg.Alerts.Source, cfg.Alerts.Routes, logger)
	dispatcher.Timeout = cfg.Alerts.Timeout
	dispatcher.Retries = uint64(cfg.Alerts.Retries)

	controller := service.NewController(dispatcher, cfg.Updater.ScopeSuffix, logger)

	units := make([]service.Unit, 0, len(cfg.Updater.Units))
	for _, name := range cfg.Updater.Units {
		units = append(units, service.Unit{Name: name})
	}

	monitor := health.NewMonitor(controller, dispatcher, logger)
	monitor.SettleDelay = cfg.Health.SettleDelay
	monitor.TelemetryDelay = cfg.Health.TelemetryDelay
	monitor.RetryDelay = cfg.Health.RetryDelay
	monitor.LogLines = cfg.Health.LogLines
	if len(cfg.Health.FatalPatterns) > 0 {
		monitor.Fatal = nil
		for _, p := range cfg.Health.FatalPatterns {
			monitor.Fatal = append(monitor.Fatal, regexp.MustCompile(p))
		}
	}
	if cfg.Health.DegradedPattern != "" {
		monitor.Degraded = regexp.MustCompile(cfg.Health.DegradedPattern)
	}

	verifier := fetch.NewGPGVerifier(cfg.Verify.Fingerprint, cfg.Verify.Keyserver, logger)
	fetcher := fetch.NewFetcher(cfg.Release.DownloadBase, verifier, logger)

	mainBinary := filepath.Join(cfg.Updater.InstallDir, cfg.Updater.Binaries[0])
	store := tracking.NewStore(cfg.Updater.TrackingFile, mainBinary, logger)

	orch := iupdater.New()
	orch.Releases = release.NewSource(cfg.Release.IndexURL, cfg.Release.TagPrefix, cfg.ChannelRegexp(), logger)
	orch.Tracking = store
	orch.Fetcher = fetcher
	orch.Services = controller
	orch.Archive = archive.NewManager(cfg.Updater.ArchiveDir, logger)
	orch.Health = monitor
	orch.Alerts = dispatcher
	orch.InstallDir = cfg.Updater.InstallDir
	orch.Binaries = cfg.Updater.Binaries
	orch.Units = units
	orch.ServerScope = cfg.Updater.ServerScope
	orch.KeepSnapshots = cfg.Updater.KeepSnapshots
	orch.Logger = logger

	return &Runner{orch: orch, services: controller, tracking: store, units: units}
}

// Run performs one update workflow invocation.
func (r *Runner) Run(ctx context.Context) (Result, error) { return r.orch.Run(ctx) }

// OnRollback registers a hook invoked after a rollback ran.
func (r *Runner) OnRollback(fn func()) { r.orch.OnRollback = fn }

// Tracked returns the current tracking record.
func (r *Runner) Tracked() (tracking.Record, error) { return r.tracking.Load() }

// UnitStates reports each configured unit's systemd ActiveState.
func (r *Runner) UnitStates(ctx context.Context) map[string]string {
	out := make(map[string]string, len(r.units))
	for _, u := range r.units {
		state, err := r.services.ActiveState(ctx, u)
		if err != nil {
			state = "unknown"
		}
		out[u.UnitName()] = state
	}
	return out
}
