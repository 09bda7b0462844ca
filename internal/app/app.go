package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lemkep/smtp-gee/internal/clock"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/history"
	"github.com/lemkep/smtp-gee/internal/imap"
	"github.com/lemkep/smtp-gee/internal/metrics"
	"github.com/lemkep/smtp-gee/internal/probe"
	"github.com/lemkep/smtp-gee/internal/smtp"
	"github.com/lemkep/smtp-gee/internal/status"
)

// Options are the resolved command line settings of one probe run
type Options struct {
	ConfigPath string
	From       string
	Rcpt       string

	Nagios     bool
	Thresholds status.Thresholds
	Exception  status.Severity

	SMTPTimeout time.Duration
	IMAPTimeout time.Duration

	// Hostname is embedded in the probe payload; empty means os.Hostname()
	Hostname string

	HistoryPath string
	HistoryKeep int
	MetricsFile string

	Logging config.LoggingConfig

	// Stdout receives the status output, Stderr the logs
	Stdout io.Writer
	Stderr io.Writer
}

// ConfigError is a problem found before any network activity
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// App is one probe invocation
type App struct {
	opts    Options
	from    config.Account
	rcpt    config.Account
	probe   *probe.Probe
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New loads the account file and builds the probe. Every error it returns
// is a *ConfigError.
func New(opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	if err := opts.Logging.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if !opts.Exception.Valid() {
		return nil, &ConfigError{Err: fmt.Errorf("invalid exception severity %d", int(opts.Exception))}
	}
	if opts.From == "" || opts.Rcpt == "" {
		return nil, &ConfigError{Err: errors.New("both --from and --rcpt are required")}
	}

	logger := setupLogger(opts.Logging, opts.Stderr)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	cfg = cfg.WithTimeouts(opts.SMTPTimeout, opts.IMAPTimeout)

	from, err := cfg.Account(opts.From)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	rcpt, err := cfg.Account(opts.Rcpt)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	c := clock.Real{}
	a := &App{
		opts:   opts,
		from:   from,
		rcpt:   rcpt,
		logger: logger,
		probe: probe.New(
			smtp.NewSender(opts.Hostname, c, logger.With("component", "smtp")),
			imap.NewPoller(c, logger.With("component", "imap")),
			c,
			logger.With("component", "probe"),
		),
	}

	if opts.MetricsFile != "" {
		a.metrics = metrics.New()
	}

	logger.Debug("probe configured",
		"config", cfg.Path,
		"from", from.Name,
		"smtp", from.SMTPAddr(),
		"implicit_tls", from.SMTPOverSSL,
		"rcpt", rcpt.Name,
		"imap", rcpt.IMAPAddr(),
	)

	return a, nil
}

// Run performs the probe, prints the report and returns the process exit
// code. Probe failures are part of the report and never returned as errors.
func (a *App) Run(ctx context.Context) int {
	res := a.probe.Run(ctx, a.from, a.rcpt)
	report := res.Report(a.opts.Thresholds, a.opts.Exception)

	if res.CorrelationID != "" {
		a.logger.Debug("correlation id", "id", res.CorrelationID)
	}

	a.record(ctx, res, report)

	if a.opts.Nagios {
		fmt.Fprintln(a.opts.Stdout, status.Nagios(report))
		return report.ExitCode()
	}

	fmt.Fprint(a.opts.Stdout, status.Plain(report))
	return 0
}

// record stores the run in the history and the metrics textfile. Failures
// are logged and do not change the verdict.
func (a *App) record(ctx context.Context, res *probe.Result, report status.Report) {
	if a.opts.HistoryPath != "" {
		if err := a.saveHistory(ctx, history.NewRecord(res, report)); err != nil {
			a.logger.Error("failed to save history", "path", a.opts.HistoryPath, "error", err)
		}
	}

	if a.metrics != nil {
		a.metrics.Record(res, report)
		if err := a.metrics.WriteTextfile(a.opts.MetricsFile); err != nil {
			a.logger.Error("failed to write metrics", "path", a.opts.MetricsFile, "error", err)
		}
	}
}

// saveHistory opens the database only for the write so that checks
// scheduled close together wait on the file lock instead of failing.
func (a *App) saveHistory(ctx context.Context, rec *history.Record) error {
	store, err := history.Open(a.opts.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(ctx, rec); err != nil {
		return err
	}
	if a.opts.HistoryKeep > 0 {
		n, err := store.Prune(ctx, a.opts.HistoryKeep)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		if n > 0 {
			a.logger.Debug("history pruned", "deleted", n)
		}
	}
	return nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// setupLogger creates a logger based on configuration. Logs go to w so that
// stdout carries nothing but the status output.
func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
