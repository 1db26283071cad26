// Package service drives the systemd units backing the validator set. Unit
// control goes over the systemd dbus API; recent log capture shells out to
// journalctl because the journal read API needs cgo.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Unit identifies one supervised service. The configured set is fixed input
// and order-significant: stop order equals start order.
type Unit struct {
	Name string
}

// UnitName returns the fully qualified systemd unit name.
func (u Unit) UnitName() string {
	if strings.HasSuffix(u.Name, ".service") {
		return u.Name
	}
	return u.Name + ".service"
}

// Conn is the narrow slice of the systemd dbus API the controller needs.
// *dbus.Conn satisfies it; tests provide a fake.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

// ConnFactory opens a systemd connection per operation, mirroring how juju's
// systemd wrapper treats connections as cheap and short-lived.
type ConnFactory func(ctx context.Context) (Conn, error)

// SystemConn is the production ConnFactory.
func SystemConn(ctx context.Context) (Conn, error) {
	return dbus.NewWithContext(ctx)
}

// Alerter is the slice of the alert dispatcher the controller needs to
// report a unit that failed to come up.
type Alerter interface {
	Error(scope, version, severity, summary, description string)
}

// Controller stops, starts, and inspects the configured units.
type Controller struct {
	NewConn     ConnFactory
	Journal     JournalReader
	Alerts      Alerter
	ScopeSuffix string // trailing suffix stripped when deriving alert scopes
	StartWait   time.Duration
	Poll        time.Duration
	Logger      *slog.Logger
}

func NewController(alerts Alerter, scopeSuffix string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		NewConn:     SystemConn,
		Journal:     Journalctl{},
		Alerts:      alerts,
		ScopeSuffix: scopeSuffix,
		StartWait:   30 * time.Second,
		Poll:        time.Second,
		Logger:      logger,
	}
}

// Stop halts every active unit, in order. Inactive units are skipped and
// per-unit stop failures are logged but do not abort the sweep: the caller
// is about to overwrite binaries and wants as many units down as possible.
// A failure to reach systemd at all is returned instead, since then no unit
// was even attempted and the caller must not proceed to touch binaries.
func (c *Controller) Stop(ctx context.Context, units []Unit) error {
	conn, err := c.NewConn(ctx)
	if err != nil {
		return fmt.Errorf("systemd connection: %w", err)
	}
	defer conn.Close()
	for _, u := range units {
		state, err := activeState(ctx, conn, u)
		if err != nil {
			c.Logger.Warn("unit state query failed", "unit", u.UnitName(), "error", err)
		}
		if state != "active" && state != "activating" {
			c.Logger.Info("unit not active, skipping stop", "unit", u.UnitName(), "state", state)
			continue
		}
		if err := waitJob(ctx, conn.StopUnitContext, u.UnitName()); err != nil {
			c.Logger.Warn("unit stop failed", "unit", u.UnitName(), "error", err)
			continue
		}
		c.Logger.Info("unit stopped", "unit", u.UnitName())
	}
	return nil
}

// Start brings every unit up, in order, and confirms liveness. The first
// unit that fails to report active captures its recent journal, emits a
// critical alert at its derived scope, and fails the whole operation; the
// remaining units are not attempted.
func (c *Controller) Start(ctx context.Context, units []Unit, tag string) error {
	conn, err := c.NewConn(ctx)
	if err != nil {
		return fmt.Errorf("systemd connection: %w", err)
	}
	defer conn.Close()
	for _, u := range units {
		if err := waitJob(ctx, conn.StartUnitContext, u.UnitName()); err != nil {
			return c.startFailed(ctx, u, tag, err)
		}
		if err := c.awaitActive(ctx, conn, u); err != nil {
			return c.startFailed(ctx, u, tag, err)
		}
		c.Logger.Info("unit started", "unit", u.UnitName(), "tag", tag)
	}
	return nil
}

// Restart restarts a single unit and waits for it to report active again.
func (c *Controller) Restart(ctx context.Context, u Unit) error {
	conn, err := c.NewConn(ctx)
	if err != nil {
		return fmt.Errorf("systemd connection: %w", err)
	}
	defer conn.Close()
	if err := waitJob(ctx, conn.RestartUnitContext, u.UnitName()); err != nil {
		return fmt.Errorf("restart %s: %w", u.UnitName(), err)
	}
	return c.awaitActive(ctx, conn, u)
}

// ActiveState returns the unit's current ActiveState property.
func (c *Controller) ActiveState(ctx context.Context, u Unit) (string, error) {
	conn, err := c.NewConn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return activeState(ctx, conn, u)
}

// RecentLogs returns the unit's journal tail for health inspection.
func (c *Controller) RecentLogs(ctx context.Context, u Unit, lines int, since time.Duration) (string, error) {
	return c.Journal.Recent(ctx, u.UnitName(), lines, since)
}

// Scope derives the alert scope for a unit. A templated unit name@instance
// maps to its instance; either way the configured trailing suffix is
// stripped, so "validator@kusama1" and "kusama1-validator" both yield
// "kusama1" with suffix "-validator".
func (c *Controller) Scope(u Unit) string {
	name := strings.TrimSuffix(u.Name, ".service")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, c.ScopeSuffix)
}

func (c *Controller) startFailed(ctx context.Context, u Unit, tag string, cause error) error {
	scope := c.Scope(u)
	logs, logErr := c.Journal.Recent(ctx, u.UnitName(), 20, 5*time.Minute)
	if logErr != nil {
		logs = fmt.Sprintf("(journal unavailable: %v)", logErr)
	}
	c.Logger.Error("unit failed to start", "unit", u.UnitName(), "scope", scope, "error", cause)
	if c.Alerts != nil {
		c.Alerts.Error(scope, tag, "critical",
			fmt.Sprintf("service %s failed to start", u.UnitName()),
			fmt.Sprintf("start error: %v\nrecent logs:\n%s", cause, logs))
	}
	return fmt.Errorf("start %s: %w", u.UnitName(), cause)
}

func (c *Controller) awaitActive(ctx context.Context, conn Conn, u Unit) error {
	deadline := time.Now().Add(c.StartWait)
	for {
		state, err := activeState(ctx, conn, u)
		if err != nil {
			return err
		}
		if state == "active" {
			return nil
		}
		if state == "failed" {
			return fmt.Errorf("unit entered failed state")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unit not active after %s (state %s)", c.StartWait, state)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Poll):
		}
	}
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// waitJob enqueues a systemd job in "fail" mode and waits for its result.
func waitJob(ctx context.Context, job jobFunc, name string) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, name, "fail", ch); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("systemd job result %q", res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func activeState(ctx context.Context, conn Conn, u Unit) (string, error) {
	props, err := conn.GetUnitPropertiesContext(ctx, u.UnitName())
	if err != nil {
		return "", err
	}
	state, _ := props["ActiveState"].(string)
	return state, nil
}
