// Package metrics exports run outcomes for node_exporter's textfile
// collector, so dashboards can see the last maintenance run without
// rollmaint running a server of its own.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/rollmaint/rollmaint/internal/journal"
	"github.com/rollmaint/rollmaint/internal/orchestrator"
)

// Recorder builds the metric family for one run on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	lastRunTimestamp *prometheus.GaugeVec
	lastRunSuccess   *prometheus.GaugeVec
	runDuration      *prometheus.GaugeVec
	pairsTotal       *prometheus.GaugeVec
}

// NewRecorder creates a recorder with an empty registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.lastRunTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollmaint_last_run_timestamp_seconds",
		Help: "Unix timestamp of the last maintenance run completion.",
	}, []string{"cluster"})
	r.lastRunSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollmaint_last_run_success",
		Help: "Whether the last maintenance run succeeded (1) or not (0).",
	}, []string{"cluster"})
	r.runDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollmaint_run_duration_seconds",
		Help: "Wall-clock duration of the last maintenance run.",
	}, []string{"cluster"})
	r.pairsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollmaint_run_pairs_total",
		Help: "Pairs in the last run by final state.",
	}, []string{"cluster", "state"})

	r.registry.MustRegister(r.lastRunTimestamp, r.lastRunSuccess, r.runDuration, r.pairsTotal)
	return r
}

// Record fills the registry from a finished run report.
func (r *Recorder) Record(report *orchestrator.Report) {
	cluster := report.Cluster

	r.lastRunTimestamp.WithLabelValues(cluster).Set(float64(report.FinishedAt.Unix()))
	success := 0.0
	if report.Outcome == journal.RunSucceeded {
		success = 1.0
	}
	r.lastRunSuccess.WithLabelValues(cluster).Set(success)
	r.runDuration.WithLabelValues(cluster).Set(report.FinishedAt.Sub(report.StartedAt).Seconds())

	counts := map[string]int{"complete": 0, "failed": 0, "skipped": 0}
	for _, pair := range report.Pairs {
		switch {
		case pair.Skipped:
			counts["skipped"]++
		case pair.Stage == orchestrator.StageComplete:
			counts["complete"]++
		default:
			counts["failed"]++
		}
	}
	for state, n := range counts {
		r.pairsTotal.WithLabelValues(cluster, state).Set(float64(n))
	}
}

// WriteTextfile renders the registry in the text exposition format and
// moves it into place atomically, the way node_exporter expects textfile
// metrics to be produced.
func (r *Recorder) WriteTextfile(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create metrics tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, family); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
