// Package metrics exposes per-run collectors and writes them as a
// node_exporter textfile, the natural export path for a oneshot process.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collectors for one updater run.
var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polkadot",
			Subsystem: "updater",
			Name:      "runs_total",
			Help:      "Number of update runs by outcome.",
		}, []string{"outcome"},
	)
	lastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polkadot",
			Subsystem: "updater",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed run.",
		},
	)
	lastRunSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polkadot",
			Subsystem: "updater",
			Name:      "last_run_success",
			Help:      "1 if the last run ended without a fatal error, else 0.",
		},
	)
	rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polkadot",
			Subsystem: "updater",
			Name:      "rollbacks_total",
			Help:      "Number of rollbacks performed.",
		},
	)
)

// Registry returns a registry holding the updater collectors.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(runsTotal, lastRunTimestamp, lastRunSuccess, rollbacksTotal)
	return r
}

// ObserveRun records one run result.
func ObserveRun(outcome string, finished float64, success bool) {
	runsTotal.WithLabelValues(outcome).Inc()
	lastRunTimestamp.Set(finished)
	if success {
		lastRunSuccess.Set(1)
	} else {
		lastRunSuccess.Set(0)
	}
}

// ObserveRollback counts a performed rollback.
func ObserveRollback() { rollbacksTotal.Inc() }

// WriteTextfile renders the registry to path atomically so node_exporter's
// textfile collector never reads a half-written file.
func WriteTextfile(r *prometheus.Registry, path string) error {
	mfs, err := r.Gather()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
