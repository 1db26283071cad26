// Package alert delivers lifecycle notifications to scope-keyed endpoints
// using the Alertmanager wire format. Delivery is always best-effort: no
// failure here may ever fail an update.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome annotates which lifecycle transition an alert reports.
const (
	OutcomeDetected = "detected"
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
)

// Alert is one entry of the single-alert-group payload posted to each
// endpoint.
type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
}

// Dispatcher builds and posts lifecycle alerts. Routes maps a scope to its
// endpoint URLs; a scope may have zero endpoints, which is a warning, not an
// error.
type Dispatcher struct {
	Enabled  bool
	Source   string
	Hostname string
	Routes   map[string][]string
	Client   *http.Client
	Timeout  time.Duration
	Retries  uint64
	Interval time.Duration // pause between delivery attempts
	Logger   *slog.Logger

	now func() time.Time
}

func NewDispatcher(enabled bool, source string, routes map[string][]string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Dispatcher{
		Enabled:  enabled,
		Source:   source,
		Hostname: host,
		Routes:   routes,
		Client:   &http.Client{},
		Timeout:  10 * time.Second,
		Retries:  2,
		Interval: 2 * time.Second,
		Logger:   logger,
		now:      time.Now,
	}
}

// Open emits a firing alert with only a start timestamp; it marks that an
// eligible release was detected and work has begun.
func (d *Dispatcher) Open(scope, version, severity, summary, description string) {
	d.send(scope, d.build(scope, version, severity, summary, description, OutcomeDetected, false))
}

// Resolve emits a self-resolving alert (EndsAt equal to StartsAt) reporting
// a successful run.
func (d *Dispatcher) Resolve(scope, version, severity, summary, description string) {
	d.send(scope, d.build(scope, version, severity, summary, description, OutcomeSuccess, true))
}

// Error emits a self-resolving alert reporting a failure.
func (d *Dispatcher) Error(scope, version, severity, summary, description string) {
	d.send(scope, d.build(scope, version, severity, summary, description, OutcomeError, true))
}

func (d *Dispatcher) build(scope, version, severity, summary, description, outcome string, closed bool) Alert {
	start := d.now().UTC()
	a := Alert{
		Labels: map[string]string{
			"alertname": "PolkadotUpdate",
			"version":   version,
			"instance":  d.Hostname,
			"scope":     scope,
			"source":    d.Source,
			"severity":  severity,
		},
		Annotations: map[string]string{
			"summary":     summary,
			"description": description,
			"outcome":     outcome,
		},
		StartsAt: start,
	}
	if closed {
		end := start
		a.EndsAt = &end
	}
	return a
}

func (d *Dispatcher) send(scope string, a Alert) {
	if !d.Enabled {
		d.Logger.Info("alerting disabled, skipping notification",
			"scope", scope, "outcome", a.Annotations["outcome"])
		return
	}
	endpoints := d.Routes[scope]
	if len(endpoints) == 0 {
		d.Logger.Warn("no alert endpoint configured for scope", "scope", scope)
		return
	}
	body, err := json.Marshal([]Alert{a})
	if err != nil {
		d.Logger.Error("alert payload marshal failed", "error", err)
		return
	}
	for _, ep := range endpoints {
		if u, err := url.Parse(ep); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			d.Logger.Warn("skipping malformed alert endpoint", "endpoint", ep)
			continue
		}
		if err := d.post(ep, body); err != nil {
			d.Logger.Warn("alert delivery failed", "endpoint", ep, "scope", scope, "error", err)
			continue
		}
		d.Logger.Info("alert delivered", "endpoint", ep, "scope", scope,
			"outcome", a.Annotations["outcome"])
	}
}

// post delivers the payload with a bounded timeout and a small fixed retry
// count per endpoint.
func (d *Dispatcher) post(endpoint string, body []byte) error {
	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.Client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("endpoint returned %s", resp.Status)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewConstantBackOff(d.Interval), d.Retries))
}
