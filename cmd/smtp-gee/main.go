package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemkep/smtp-gee/internal/app"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/status"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// exitUsage is returned for invalid flags and configuration. It is the
// Nagios UNKNOWN code so a misconfigured check never reads as OK.
const exitUsage = 3

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	return code
}

// probeFlags are the root command flags. Durations are given in seconds.
type probeFlags struct {
	configPath  string
	from        string
	rcpt        string
	nagios      bool
	debug       bool
	exceptMeans string

	smtpWarn, smtpCrit, smtpTimeout float64
	imapWarn, imapCrit, imapTimeout float64

	hostname    string
	historyPath string
	historyKeep int
	metricsFile string
	logLevel    string
	logFormat   string
}

func newRootCmd(code *int) *cobra.Command {
	f := &probeFlags{}

	root := &cobra.Command{
		Use:   "smtp-gee",
		Short: "SMTP to IMAP delivery probe",
		Long: `smtp-gee sends a probe message through the SMTP server of one account and
waits for it to appear in the IMAP mailbox of another. It reports how long
both steps took, either as plain text or as a Nagios plugin status line.

An account that sets smtp_over_ssl, whatever the value, submits over implicit
TLS (port 465 by default). Leave the key out to use STARTTLS on port 25.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			application, err := app.New(opts)
			if err != nil {
				return err
			}

			*code = application.Run(cmd.Context())
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&f.from, "from", "", "account that sends the probe")
	flags.StringVar(&f.rcpt, "rcpt", "", "account that receives the probe")
	flags.BoolVar(&f.nagios, "nagios", false, "print a Nagios status line and exit with its code")
	flags.BoolVar(&f.debug, "debug", false, "log protocol details to stderr")
	flags.StringVar(&f.exceptMeans, "except-means", "3", "severity reported when a phase fails (0-3 or OK, WARNING, CRITICAL, UNKNOWN)")

	defaults := status.DefaultThresholds()
	flags.Float64Var(&f.smtpWarn, "smtp_warn", defaults.SMTPWarn.Seconds(), "SMTP warning threshold in seconds")
	flags.Float64Var(&f.smtpCrit, "smtp_crit", defaults.SMTPCrit.Seconds(), "SMTP critical threshold in seconds")
	flags.Float64Var(&f.smtpTimeout, "smtp_timeout", config.DefaultSMTPTimeout.Seconds(), "SMTP timeout in seconds")
	flags.Float64Var(&f.imapWarn, "imap_warn", defaults.IMAPWarn.Seconds(), "IMAP warning threshold in seconds")
	flags.Float64Var(&f.imapCrit, "imap_crit", defaults.IMAPCrit.Seconds(), "IMAP critical threshold in seconds")
	flags.Float64Var(&f.imapTimeout, "imap_timeout", config.DefaultIMAPTimeout.Seconds(), "IMAP timeout in seconds")

	flags.StringVar(&f.hostname, "hostname", "", "host name written into the probe body (default: system host name)")
	flags.StringVar(&f.historyPath, "history", "", "BoltDB file that records every run")
	flags.IntVar(&f.historyKeep, "history-keep", 1000, "number of runs kept in the history (0 keeps all)")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus textfile metrics to this path")
	flags.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "config.ini", "account file (INI or YAML)")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(&f.configPath),
		newHistoryCmd(),
		newDKIMCmd(),
		newKeyringCmd(),
	)

	return root
}

// options converts the flags into app options
func (f *probeFlags) options(stdout, stderr io.Writer) (app.Options, error) {
	exception, err := status.ParseSeverity(f.exceptMeans)
	if err != nil {
		return app.Options{}, &app.ConfigError{Err: fmt.Errorf("--except-means: %w", err)}
	}

	for name, v := range map[string]float64{
		"smtp_timeout": f.smtpTimeout,
		"imap_timeout": f.imapTimeout,
	} {
		if v <= 0 {
			return app.Options{}, &app.ConfigError{Err: fmt.Errorf("--%s must be positive", name)}
		}
	}
	if f.historyKeep < 0 {
		return app.Options{}, &app.ConfigError{Err: errors.New("--history-keep must not be negative")}
	}

	logging := config.LoggingConfig{Level: f.logLevel, Format: f.logFormat}
	if f.debug {
		logging.Level = "debug"
	}

	return app.Options{
		ConfigPath: f.configPath,
		From:       f.from,
		Rcpt:       f.rcpt,
		Nagios:     f.nagios,
		Thresholds: status.Thresholds{
			SMTPWarn: secondsFlag(f.smtpWarn),
			SMTPCrit: secondsFlag(f.smtpCrit),
			IMAPWarn: secondsFlag(f.imapWarn),
			IMAPCrit: secondsFlag(f.imapCrit),
		},
		Exception:   exception,
		SMTPTimeout: secondsFlag(f.smtpTimeout),
		IMAPTimeout: secondsFlag(f.imapTimeout),
		Hostname:    f.hostname,
		HistoryPath: f.historyPath,
		HistoryKeep: f.historyKeep,
		MetricsFile: f.metricsFile,
		Logging:     logging,
		Stdout:      stdout,
		Stderr:      stderr,
	}, nil
}

func secondsFlag(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "smtp-gee version %s\n", version)
			if commit != "unknown" {
				fmt.Fprintf(out, "  commit: %s\n", commit)
			}
			if buildTime != "unknown" {
				fmt.Fprintf(out, "  built:  %s\n", buildTime)
			}
		},
	}
}
