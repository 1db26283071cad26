// Package health inspects post-restart service logs for fatal or degraded
// markers. A fatal marker fails immediately; a degraded marker earns the
// unit exactly one restart before it is treated as a real fault.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/luizv/polkadot-updater/internal/service"
)

// Default log markers for validator binaries.
var (
	DefaultFatalPatterns = []string{
		`(?i)panicked at`,
		`(?i)segmentation fault`,
		`(?i)address already in use`,
		`(?i)failed to listen on`,
	}
	DefaultDegradedPattern = `(?i)error while dialing`
)

// Probe is the slice of the service controller the monitor needs.
type Probe interface {
	RecentLogs(ctx context.Context, u service.Unit, lines int, since time.Duration) (string, error)
	Restart(ctx context.Context, u service.Unit) error
	Scope(u service.Unit) string
}

// Alerter reports a failed check before the monitor returns the error that
// triggers rollback.
type Alerter interface {
	Error(scope, version, severity, summary, description string)
}

// Monitor runs the two post-restart checks. Settle windows are fixed sleeps
// rather than event-driven waits; each run is bounded and infrequent, so the
// added latency is acceptable.
type Monitor struct {
	Services       Probe
	Alerts         Alerter
	SettleDelay    time.Duration // before the early fatal scan
	TelemetryDelay time.Duration // before the degraded-marker scan
	RetryDelay     time.Duration // after the single unit restart
	LogLines       int
	Fatal          []*regexp.Regexp
	Degraded       *regexp.Regexp
	Logger         *slog.Logger
}

func NewMonitor(services Probe, alerts Alerter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		Services:       services,
		Alerts:         alerts,
		SettleDelay:    30 * time.Second,
		TelemetryDelay: 60 * time.Second,
		RetryDelay:     30 * time.Second,
		LogLines:       50,
		Degraded:       regexp.MustCompile(DefaultDegradedPattern),
		Logger:         logger,
	}
	for _, p := range DefaultFatalPatterns {
		m.Fatal = append(m.Fatal, regexp.MustCompile(p))
	}
	return m
}

// CheckEarly waits for the settle window and scans each unit's very recent
// logs for fatal startup signatures. Any match fails the run.
func (m *Monitor) CheckEarly(ctx context.Context, units []service.Unit, tag string) error {
	if err := sleep(ctx, m.SettleDelay); err != nil {
		return err
	}
	for _, u := range units {
		logs, err := m.Services.RecentLogs(ctx, u, m.LogLines, m.SettleDelay+time.Minute)
		if err != nil {
			m.Logger.Warn("log query failed during early check", "unit", u.UnitName(), "error", err)
			continue
		}
		for _, p := range m.Fatal {
			if line, ok := match(p, logs); ok {
				return m.failed(u, tag, "fatal log pattern after restart", line)
			}
		}
		m.Logger.Info("early health check passed", "unit", u.UnitName())
	}
	return nil
}

// CheckTelemetry waits for the second settle window and scans for the
// degraded marker. On a match the unit gets one restart and one re-scan; a
// persisting marker fails the run, a cleared one is logged as recovery.
func (m *Monitor) CheckTelemetry(ctx context.Context, units []service.Unit, tag string) error {
	if err := sleep(ctx, m.TelemetryDelay); err != nil {
		return err
	}
	for _, u := range units {
		logs, err := m.Services.RecentLogs(ctx, u, m.LogLines, m.TelemetryDelay+time.Minute)
		if err != nil {
			m.Logger.Warn("log query failed during telemetry check", "unit", u.UnitName(), "error", err)
			continue
		}
		line, ok := match(m.Degraded, logs)
		if !ok {
			m.Logger.Info("telemetry check passed", "unit", u.UnitName())
			continue
		}
		m.Logger.Warn("degraded marker found, restarting unit once",
			"unit", u.UnitName(), "line", line)
		if err := m.Services.Restart(ctx, u); err != nil {
			return m.failed(u, tag, "restart during telemetry retry failed", err.Error())
		}
		if err := sleep(ctx, m.RetryDelay); err != nil {
			return err
		}
		// This read decides whether the restart cleared the marker. If
		// it cannot be made the unit does not get to pass by default.
		logs, err = m.Services.RecentLogs(ctx, u, m.LogLines, m.RetryDelay)
		if err != nil {
			return m.failed(u, tag, "log query failed after restart", err.Error())
		}
		if line, ok := match(m.Degraded, logs); ok {
			return m.failed(u, tag, "degraded marker persists after restart", line)
		}
		m.Logger.Info("unit recovered after telemetry restart", "unit", u.UnitName())
	}
	return nil
}

func (m *Monitor) failed(u service.Unit, tag, summary, detail string) error {
	scope := m.Services.Scope(u)
	m.Logger.Error("health check failed", "unit", u.UnitName(), "scope", scope, "reason", summary)
	if m.Alerts != nil {
		m.Alerts.Error(scope, tag, "critical",
			fmt.Sprintf("%s: %s", u.UnitName(), summary), detail)
	}
	return fmt.Errorf("health check on %s: %s", u.UnitName(), summary)
}

func match(p *regexp.Regexp, logs string) (string, bool) {
	if loc := p.FindStringIndex(logs); loc != nil {
		return p.FindString(logs), true
	}
	return "", false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
