package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lemkep/smtp-gee/internal/failure"
	"github.com/lemkep/smtp-gee/internal/probe"
	"github.com/lemkep/smtp-gee/internal/status"
)

// Metrics holds the Prometheus gauges describing the last probe run
type Metrics struct {
	// Outcome
	ProbeSuccess  *prometheus.GaugeVec
	ProbeSeverity *prometheus.GaugeVec
	ProbeFailure  *prometheus.GaugeVec

	// Timings
	SMTPSeconds *prometheus.GaugeVec
	IMAPSeconds *prometheus.GaugeVec

	// Thresholds
	WarningSeconds  *prometheus.GaugeVec
	CriticalSeconds *prometheus.GaugeVec

	LastRunTimestamp *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	pair := []string{"from", "rcpt"}

	m := &Metrics{
		ProbeSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_probe_success",
				Help: "1 if the probe message was sent and found, 0 otherwise",
			},
			pair,
		),
		ProbeSeverity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_probe_severity",
				Help: "Nagios state of the last run (0 OK, 1 WARNING, 2 CRITICAL, 3 UNKNOWN)",
			},
			pair,
		),
		ProbeFailure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_probe_failure",
				Help: "Set to 1 for the phase and kind of a failed run",
			},
			[]string{"from", "rcpt", "phase", "kind"},
		),

		SMTPSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_smtp_duration_seconds",
				Help: "Time spent submitting the probe message",
			},
			pair,
		),
		IMAPSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_imap_duration_seconds",
				Help: "Time until the probe message appeared in the mailbox",
			},
			pair,
		),

		WarningSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_warning_threshold_seconds",
				Help: "Configured warning threshold per phase",
			},
			[]string{"phase"},
		),
		CriticalSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_critical_threshold_seconds",
				Help: "Configured critical threshold per phase",
			},
			[]string{"phase"},
		),

		LastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpgee_last_run_timestamp_seconds",
				Help: "Unix time the last run started",
			},
			pair,
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ProbeSuccess,
		m.ProbeSeverity,
		m.ProbeFailure,
		m.SMTPSeconds,
		m.IMAPSeconds,
		m.WarningSeconds,
		m.CriticalSeconds,
		m.LastRunTimestamp,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record sets the gauges from a finished run and its evaluation
func (m *Metrics) Record(res *probe.Result, report status.Report) {
	from, rcpt := res.From, res.Rcpt

	success := 0.0
	if res.Succeeded() {
		success = 1
	}
	m.ProbeSuccess.WithLabelValues(from, rcpt).Set(success)
	m.ProbeSeverity.WithLabelValues(from, rcpt).Set(float64(report.Severity))
	m.SMTPSeconds.WithLabelValues(from, rcpt).Set(res.SMTPElapsed.Seconds())
	m.IMAPSeconds.WithLabelValues(from, rcpt).Set(res.IMAPElapsed.Seconds())
	m.LastRunTimestamp.WithLabelValues(from, rcpt).Set(float64(res.StartedAt.UnixNano()) / 1e9)

	t := report.Thresholds
	m.WarningSeconds.WithLabelValues("smtp").Set(t.SMTPWarn.Seconds())
	m.WarningSeconds.WithLabelValues("imap").Set(t.IMAPWarn.Seconds())
	m.CriticalSeconds.WithLabelValues("smtp").Set(t.SMTPCrit.Seconds())
	m.CriticalSeconds.WithLabelValues("imap").Set(t.IMAPCrit.Seconds())

	if err := res.Err(); err != nil {
		phase := "unknown"
		var fe *failure.Error
		if errors.As(err, &fe) {
			phase = fe.Phase
		}
		m.ProbeFailure.WithLabelValues(from, rcpt, phase, failure.KindOf(err).String()).Set(1)
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
