// Package updater sequences one update run: check, fetch, verify, stop,
// archive, install, start, health-check, record. A rollback guard armed at
// the stop phase guarantees the validator set returns to a known-good binary
// state on any later failure.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luizv/polkadot-updater/internal/archive"
	"github.com/luizv/polkadot-updater/internal/fetch"
	"github.com/luizv/polkadot-updater/internal/release"
	"github.com/luizv/polkadot-updater/internal/service"
	"github.com/luizv/polkadot-updater/internal/tracking"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeNoop       Outcome = "noop"
	OutcomeUpdated    Outcome = "updated"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result summarizes a run for history and metrics recording.
type Result struct {
	Outcome      Outcome
	PreviousTag  string
	CandidateTag string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Collaborator contracts. The orchestrator never depends on concrete
// invocation mechanisms (dbus, gpg, HTTP); only on these.

type ReleaseSource interface {
	Latest(ctx context.Context) (release.Candidate, error)
	Short(tag string) string
}

type Tracker interface {
	Load() (tracking.Record, error)
	Save(tracking.Record) error
	InstalledVersion() (string, error)
}

type Stager interface {
	Stage(ctx context.Context, tag string, binaries []string) (*fetch.Staged, error)
}

type Services interface {
	Stop(ctx context.Context, units []service.Unit) error
	Start(ctx context.Context, units []service.Unit, tag string) error
}

type Archiver interface {
	Snapshot(binaries []string, installDir, tag string, now time.Time) (*archive.Snapshot, error)
	Restore(snapshotDir, installDir string) error
	Install(staged map[string]string, installDir string) error
	Prune(keep int) error
}

type Health interface {
	CheckEarly(ctx context.Context, units []service.Unit, tag string) error
	CheckTelemetry(ctx context.Context, units []service.Unit, tag string) error
}

type Alerts interface {
	Open(scope, version, severity, summary, description string)
	Resolve(scope, version, severity, summary, description string)
	Error(scope, version, severity, summary, description string)
}

// Orchestrator owns one update workflow run.
type Orchestrator struct {
	Releases ReleaseSource
	Tracking Tracker
	Fetcher  Stager
	Services Services
	Archive  Archiver
	Health   Health
	Alerts   Alerts

	InstallDir    string
	Binaries      []string
	Units         []service.Unit
	ServerScope   string
	KeepSnapshots int

	Logger *slog.Logger

	// OnRollback is invoked after a rollback ran, for metrics. Optional.
	OnRollback func()

	now func() time.Time
}

func New() *Orchestrator {
	return &Orchestrator{Logger: slog.Default(), now: time.Now}
}

// Run executes one workflow invocation. It returns a nil error for both
// "nothing to do" and "update applied"; any non-nil error is fatal and maps
// to exit code 1. The rollback guard registered after the stop phase runs
// on every fatal unwind, including context cancellation from a signal.
func (o *Orchestrator) Run(ctx context.Context) (res Result, retErr error) {
	if o.now == nil {
		o.now = time.Now
	}
	res = Result{Outcome: OutcomeFailed, StartedAt: o.now().UTC()}
	defer func() { res.FinishedAt = o.now().UTC() }()

	rec, err := o.Tracking.Load()
	if err != nil {
		o.Alerts.Error(o.ServerScope, rec.Tag, "critical", "updater misconfigured",
			fmt.Sprintf("tracking load failed: %v", err))
		return res, err
	}
	res.PreviousTag = rec.Tag

	cand, err := o.Releases.Latest(ctx)
	if errors.Is(err, release.ErrChannelFiltered) {
		res.Outcome = OutcomeNoop
		return res, nil
	}
	if err != nil {
		o.Alerts.Error(o.ServerScope, rec.Tag, "critical", "release check failed", err.Error())
		return res, err
	}
	short := o.Releases.Short(cand.Tag)
	res.CandidateTag = short
	if rec.IsCurrent(short) {
		o.Logger.Info("already on latest release", "tag", short)
		res.Outcome = OutcomeNoop
		return res, nil
	}
	o.Logger.Info("eligible release found", "current", rec.Tag, "candidate", short,
		"published_at", cand.PublishedAt)

	// Everything up to here mutated nothing; failures were clean aborts.
	// Fetch and verify also happen strictly before any service is touched.
	staged, err := o.Fetcher.Stage(ctx, cand.Tag, o.Binaries)
	if err != nil {
		o.Alerts.Error(o.ServerScope, short, "critical", "artifact fetch or verification failed", err.Error())
		return res, err
	}
	defer staged.Cleanup()

	o.Alerts.Open(o.ServerScope, short, "critical", "validator update started",
		fmt.Sprintf("updating %s -> %s", rec.Tag, short))

	sess := NewSession(rec.Tag, short)
	// The guard must not depend on retErr: a panic unwinds with retErr
	// still nil, and services stopped by a panicking run need restoring
	// just as much. Complete() disarms on the one clean path.
	defer func() {
		if sess.Armed() {
			o.rollback(sess)
			res.Outcome = OutcomeRolledBack
		}
	}()

	// A stop sweep that could not even reach systemd left every unit
	// running; abort before binaries are touched instead of arming.
	if err := o.Services.Stop(ctx, o.Units); err != nil {
		o.Alerts.Error(o.ServerScope, short, "critical", "stopping services failed", err.Error())
		return res, err
	}
	sess.MarkStopped()

	snap, err := o.Archive.Snapshot(o.Binaries, o.InstallDir, short, o.now())
	if err != nil {
		o.Alerts.Error(o.ServerScope, short, "critical", "archiving installed binaries failed", err.Error())
		return res, err
	}
	sess.MarkArchived(snap.Dir)

	if err := o.Archive.Install(staged.Paths, o.InstallDir); err != nil {
		o.Alerts.Error(o.ServerScope, short, "critical", "binary install failed", err.Error())
		return res, err
	}
	// The controller emits its own per-unit alert on start failure.
	if err := o.Services.Start(ctx, o.Units, short); err != nil {
		return res, err
	}
	if err := o.Health.CheckEarly(ctx, o.Units, short); err != nil {
		return res, err
	}
	if err := o.Health.CheckTelemetry(ctx, o.Units, short); err != nil {
		return res, err
	}

	// Tracking write is the final step of a successful run, and only of a
	// successful run. A failure here still rolls back.
	version, verr := o.Tracking.InstalledVersion()
	if verr != nil {
		o.Logger.Warn("installed version probe failed, recording tag as version", "error", verr)
		version = short
	}
	if err := o.Tracking.Save(tracking.Record{
		Tag:         short,
		Version:     version,
		UpdatedAt:   o.now().UTC(),
		PublishedAt: cand.PublishedAt,
	}); err != nil {
		o.Alerts.Error(o.ServerScope, short, "critical", "tracking record write failed", err.Error())
		return res, err
	}
	sess.Complete()

	o.Alerts.Resolve(o.ServerScope, short, "critical", "validator update applied",
		fmt.Sprintf("updated %s -> %s (version %s)", rec.Tag, short, version))
	if err := o.Archive.Prune(o.KeepSnapshots); err != nil {
		o.Logger.Warn("snapshot prune failed", "error", err)
	}
	o.Logger.Info("update completed", "tag", short, "version", version)
	res.Outcome = OutcomeUpdated
	return res, nil
}

// rollback restores the last snapshot and restarts services. It runs on its
// own context so a canceled run context cannot abandon the host in a stopped
// state, and it never re-arms: a failure while rolling back is logged, not
// recursed into.
func (o *Orchestrator) rollback(sess *Session) {
	sess.MarkFired()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	o.Logger.Error("update failed after stop phase, rolling back",
		"previous", sess.PreviousTag(), "candidate", sess.CandidateTag())

	if err := o.Services.Stop(ctx, o.Units); err != nil {
		o.Logger.Error("stop sweep during rollback failed", "error", err)
	}
	if sess.Archived() {
		if err := o.Archive.Restore(sess.RollbackRoot(), o.InstallDir); err != nil {
			o.Logger.Error("binary restore failed", "snapshot", sess.RollbackRoot(), "error", err)
		}
	} else {
		o.Logger.Info("no snapshot was taken, nothing to restore")
	}
	if err := o.Services.Start(ctx, o.Units, sess.PreviousTag()); err != nil {
		o.Logger.Error("service restart during rollback failed", "error", err)
	}
	o.Alerts.Error(o.ServerScope, sess.PreviousTag(), "critical", "validator update rolled back",
		fmt.Sprintf("update to %s failed; previous binaries restored", sess.CandidateTag()))
	if o.OnRollback != nil {
		o.OnRollback()
	}
}
