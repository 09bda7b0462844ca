package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lemkep/smtp-gee/internal/clock"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/failure"
	"github.com/lemkep/smtp-gee/internal/history"
	"github.com/lemkep/smtp-gee/internal/message"
	"github.com/lemkep/smtp-gee/internal/probe"
	"github.com/lemkep/smtp-gee/internal/status"
	"github.com/lemkep/smtp-gee/internal/stopwatch"
)

const testConfig = `[alice]
smtp_server = smtp.example.com
imap_server = imap.example.com
login = alice
password = secret
email = alice@example.com

[bob]
smtp_server = smtp.example.org
smtp_over_ssl = yes
imap_server = imap.example.org
login = bob@example.org
password = secret
`

type fakeSender struct {
	clock *clock.Fake
	took  time.Duration
	err   error
}

func (f *fakeSender) Send(ctx context.Context, from, to config.Account) (message.CorrelationID, error) {
	f.clock.Advance(f.took)
	if f.err != nil {
		return "", f.err
	}
	return "0123456789abcdef0123456789abcdef01234567", nil
}

type fakePoller struct {
	clock *clock.Fake
	took  time.Duration
	err   error
}

func (f *fakePoller) Check(ctx context.Context, account config.Account, id message.CorrelationID, deadline *stopwatch.Stopwatch) error {
	f.clock.Advance(f.took)
	return f.err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(testConfig), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testOptions(t *testing.T, stdout, stderr *bytes.Buffer) Options {
	return Options{
		ConfigPath:  writeConfig(t),
		From:        "alice",
		Rcpt:        "bob",
		Thresholds:  status.DefaultThresholds(),
		Exception:   status.Unknown,
		SMTPTimeout: 30 * time.Second,
		IMAPTimeout: 30 * time.Second,
		Logging:     config.LoggingConfig{Level: "warn", Format: "text"},
		Stdout:      stdout,
		Stderr:      stderr,
	}
}

// withFakes replaces the network phases of a
func withFakes(a *App, sender probe.Sender, poller probe.Poller, c clock.Clock) {
	a.probe = probe.New(sender, poller, c, a.logger)
}

func TestRunNagiosOK(t *testing.T) {
	var stdout, stderr bytes.Buffer
	opts := testOptions(t, &stdout, &stderr)
	opts.Nagios = true

	a, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fc := clock.NewFake(time.Unix(1700000000, 0))
	withFakes(a, &fakeSender{clock: fc, took: 5 * time.Second}, &fakePoller{clock: fc, took: 10 * time.Second}, fc)

	if code := a.Run(context.Background()); code != 0 {
		t.Errorf("Run() = %d, want 0", code)
	}
	want := "OK: (alice->bob) sent in 5.000 sec, received in 10.000 sec|smtp=5.000;15;30 imap=10.000;20;30\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRunNagiosSendFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	opts := testOptions(t, &stdout, &stderr)
	opts.Nagios = true

	a, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(time.Unix(1700000000, 0))
	sendErr := &failure.Error{Phase: "SMTP", Kind: failure.KindAuth, Err: errors.New("535 5.7.8 bad credentials")}
	withFakes(a, &fakeSender{clock: fc, took: time.Second, err: sendErr}, &fakePoller{clock: fc}, fc)

	if code := a.Run(context.Background()); code != 3 {
		t.Errorf("Run() = %d, want 3", code)
	}
	if !strings.HasPrefix(stdout.String(), "UNKNOWN: (alice->bob) SMTP failed in 1.000 sec") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "SMTPAuthenticationError: 535 5.7.8 bad credentials") {
		t.Errorf("stdout misses the diagnostic: %q", stdout.String())
	}
}

func TestRunExceptionOverride(t *testing.T) {
	var stdout, stderr bytes.Buffer
	opts := testOptions(t, &stdout, &stderr)
	opts.Nagios = true
	opts.Exception = status.Critical

	a, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(time.Unix(1700000000, 0))
	pollErr := &failure.Error{Phase: "IMAP", Kind: failure.KindTimeout, Err: errors.New("not found")}
	withFakes(a, &fakeSender{clock: fc, took: time.Second}, &fakePoller{clock: fc, took: 31 * time.Second, err: pollErr}, fc)

	if code := a.Run(context.Background()); code != 2 {
		t.Errorf("Run() = %d, want 2", code)
	}
}

func TestRunPlainAlwaysExitsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	a, err := New(testOptions(t, &stdout, &stderr))
	if err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(time.Unix(1700000000, 0))
	sendErr := &failure.Error{Phase: "SMTP", Kind: failure.KindConnect, Err: errors.New("connection refused")}
	withFakes(a, &fakeSender{clock: fc, took: time.Second, err: sendErr}, &fakePoller{clock: fc}, fc)

	if code := a.Run(context.Background()); code != 0 {
		t.Errorf("Run() = %d, want 0 in plain mode", code)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "SMTP, (alice) time to send the mail: 1.000 sec.\n") {
		t.Errorf("stdout = %q", out)
	}
	if !strings.Contains(out, "ERROR: SMTPConnectError: connection refused") {
		t.Errorf("stdout misses the diagnostic: %q", out)
	}
}

func TestRunRecordsHistoryAndMetrics(t *testing.T) {
	var stdout, stderr bytes.Buffer
	dir := t.TempDir()
	opts := testOptions(t, &stdout, &stderr)
	opts.Nagios = true
	opts.HistoryPath = filepath.Join(dir, "history.db")
	opts.HistoryKeep = 1
	opts.MetricsFile = filepath.Join(dir, "smtp-gee.prom")

	a, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(time.Unix(1700000000, 0))
	withFakes(a, &fakeSender{clock: fc, took: 20 * time.Second}, &fakePoller{clock: fc, took: time.Second}, fc)

	for i := 0; i < 2; i++ {
		if code := a.Run(context.Background()); code != 1 {
			t.Errorf("Run() = %d, want 1", code)
		}
	}

	store, err := history.Open(opts.HistoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("history holds %d records, want 1 after pruning", len(records))
	}
	if records[0].Severity != "WARNING" || records[0].From != "alice" {
		t.Errorf("record = %+v", records[0])
	}

	data, err := os.ReadFile(opts.MetricsFile)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `smtpgee_probe_severity{from="alice",rcpt="bob"} 1`) {
		t.Errorf("metrics file:\n%s", data)
	}
}

func TestOverlappingRunsShareHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	apps := make([]*App, 2)
	for i := range apps {
		var stdout, stderr bytes.Buffer
		opts := testOptions(t, &stdout, &stderr)
		opts.Nagios = true
		opts.HistoryPath = path

		a, err := New(opts)
		if err != nil {
			t.Fatalf("New() #%d error = %v", i, err)
		}
		fc := clock.NewFake(time.Unix(1700000000, 0))
		withFakes(a, &fakeSender{clock: fc, took: time.Second}, &fakePoller{clock: fc, took: time.Second}, fc)
		apps[i] = a
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("New() touched the history file: %v", err)
	}

	var wg sync.WaitGroup
	codes := make([]int, len(apps))
	for i, a := range apps {
		wg.Add(1)
		go func(i int, a *App) {
			defer wg.Done()
			codes[i] = a.Run(context.Background())
		}(i, a)
	}
	wg.Wait()

	for i, code := range codes {
		if code != 0 {
			t.Errorf("Run() #%d = %d, want 0", i, code)
		}
	}

	store, err := history.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("history holds %d records, want 2", len(records))
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"missing file", func(o *Options) { o.ConfigPath = filepath.Join(t.TempDir(), "none.ini") }},
		{"unknown sender", func(o *Options) { o.From = "carol" }},
		{"unknown recipient", func(o *Options) { o.Rcpt = "carol" }},
		{"no sender", func(o *Options) { o.From = "" }},
		{"bad log level", func(o *Options) { o.Logging.Level = "trace" }},
		{"bad exception", func(o *Options) { o.Exception = status.Severity(9) }},
		{"negative threshold", func(o *Options) { o.Thresholds.SMTPWarn = -time.Second }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			opts := testOptions(t, &stdout, &stderr)
			tc.modify(&opts)

			_, err := New(opts)
			if err == nil {
				t.Fatal("New() expected error")
			}
			if !IsConfigError(err) {
				t.Errorf("error %v is not a ConfigError", err)
			}
		})
	}
}

func TestNewAppliesTimeouts(t *testing.T) {
	var stdout, stderr bytes.Buffer
	opts := testOptions(t, &stdout, &stderr)
	opts.SMTPTimeout = 7 * time.Second
	opts.IMAPTimeout = 9 * time.Second

	a, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	if a.from.SMTPTimeout != 7*time.Second || a.rcpt.IMAPTimeout != 9*time.Second {
		t.Errorf("timeouts = %v / %v", a.from.SMTPTimeout, a.rcpt.IMAPTimeout)
	}
	if !a.rcpt.SMTPOverSSL || a.rcpt.SMTPPort != 465 {
		t.Errorf("rcpt transport = ssl %v port %d", a.rcpt.SMTPOverSSL, a.rcpt.SMTPPort)
	}
}

func TestSetupLoggerWritesToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("log output = %q", buf.String())
	}
}
