// Package metrics counts batch activity and exports it as a Prometheus
// textfile for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adraguidev/reportsync/internal/consolidate"
	"github.com/adraguidev/reportsync/internal/fetch"
)

const namespace = "reportsync"

// Outcome results.
const (
	ResultDownloaded = "downloaded"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
)

// Metrics holds one batch's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Outcomes         *prometheus.CounterVec
	Bytes            prometheus.Counter
	Attempts         prometheus.Counter
	ConsolidatedRows *prometheus.CounterVec
	BadLines         *prometheus.CounterVec
	LastRun          prometheus.Gauge
	RunDuration      prometheus.Gauge
}

// New creates and registers the batch collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Download outcomes by result and failure kind.",
			},
			[]string{"result", "kind"},
		),
		Bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes_total",
				Help:      "Bytes committed to partition files.",
			},
		),
		Attempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Requests sent, including retries.",
			},
		),
		ConsolidatedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consolidated_rows_total",
				Help:      "Rows written to consolidated files.",
			},
			[]string{"category"},
		),
		BadLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bad_lines_total",
				Help:      "Malformed partition rows dropped during consolidation.",
			},
			[]string{"category"},
		),
		LastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last batch finished.",
			},
		),
		RunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_duration_seconds",
				Help:      "Wall time of the last batch.",
			},
		),
	}
	m.Registry.MustRegister(m.Outcomes, m.Bytes, m.Attempts, m.ConsolidatedRows, m.BadLines, m.LastRun, m.RunDuration)

	// Every failure kind is exported from the start, at zero.
	for _, k := range fetch.Kinds {
		m.Outcomes.WithLabelValues(ResultFailed, string(k))
	}
	return m
}

// ObserveOutcome records one task outcome.
func (m *Metrics) ObserveOutcome(o fetch.Outcome) {
	switch {
	case o.Skipped:
		m.Outcomes.WithLabelValues(ResultSkipped, "").Inc()
	case o.Success:
		m.Outcomes.WithLabelValues(ResultDownloaded, "").Inc()
	default:
		kind := fetch.KindUnexpected
		if o.Err != nil {
			kind = o.Err.Kind
		}
		m.Outcomes.WithLabelValues(ResultFailed, string(kind)).Inc()
	}
	m.Bytes.Add(float64(o.BytesWritten))
	m.Attempts.Add(float64(o.Attempts))
}

// ObserveConsolidation records one category's consolidation.
func (m *Metrics) ObserveConsolidation(category string, st consolidate.Stats) {
	m.ConsolidatedRows.WithLabelValues(category).Add(float64(st.Rows))
	bad := 0
	for _, f := range st.Files {
		bad += f.BadLines
	}
	m.BadLines.WithLabelValues(category).Add(float64(bad))
}

// Finish stamps the batch end time and duration.
func (m *Metrics) Finish(end time.Time, took time.Duration) {
	m.LastRun.Set(float64(end.Unix()))
	m.RunDuration.Set(took.Seconds())
}

// WriteTextfile writes the registry to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
