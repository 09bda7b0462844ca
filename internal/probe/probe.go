// Package probe runs one timed send/poll cycle between two accounts.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/lemkep/smtp-gee/internal/clock"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/failure"
	"github.com/lemkep/smtp-gee/internal/message"
	"github.com/lemkep/smtp-gee/internal/status"
	"github.com/lemkep/smtp-gee/internal/stopwatch"
)

// Sender submits a probe message and returns its correlation ID
type Sender interface {
	Send(ctx context.Context, from, to config.Account) (message.CorrelationID, error)
}

// Poller waits for the message tagged with id, bounded by deadline
type Poller interface {
	Check(ctx context.Context, account config.Account, id message.CorrelationID, deadline *stopwatch.Stopwatch) error
}

// Probe drives the send and poll phases
type Probe struct {
	sender Sender
	poller Poller
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a probe. A nil clock means the system clock.
func New(sender Sender, poller Poller, c clock.Clock, logger *slog.Logger) *Probe {
	if c == nil {
		c = clock.Real{}
	}
	return &Probe{
		sender: sender,
		poller: poller,
		clock:  c,
		logger: logger,
	}
}

// Result is the outcome of one run
type Result struct {
	From string
	Rcpt string

	StartedAt     time.Time
	CorrelationID message.CorrelationID

	SMTPElapsed time.Duration
	IMAPElapsed time.Duration

	SendErr       error
	PollAttempted bool
	PollErr       error
}

// Succeeded reports whether the message was sent and found
func (r *Result) Succeeded() bool {
	return r.SendErr == nil && r.PollAttempted && r.PollErr == nil
}

// Err returns the error of the failed phase, if any
func (r *Result) Err() error {
	if r.SendErr != nil {
		return r.SendErr
	}
	return r.PollErr
}

// Diagnostic returns the diagnostic of the failed phase, or ""
func (r *Result) Diagnostic() string {
	return failure.Diagnostic(r.Err())
}

// Input prepares the result for evaluation
func (r *Result) Input(t status.Thresholds, exception status.Severity) status.Input {
	return status.Input{
		SMTPElapsed:   r.SMTPElapsed,
		IMAPElapsed:   r.IMAPElapsed,
		SendSucceeded: r.SendErr == nil,
		PollAttempted: r.PollAttempted,
		PollSucceeded: r.PollAttempted && r.PollErr == nil,
		Thresholds:    t,
		Exception:     exception,
	}
}

// Report evaluates the result
func (r *Result) Report(t status.Thresholds, exception status.Severity) status.Report {
	return status.NewReport(r.Input(t, exception), r.From, r.Rcpt, r.Diagnostic())
}

// Run sends a probe message from one account to the other and waits for
// it to arrive. The poll phase is skipped when sending fails. Failures are
// recorded in the result, never returned.
func (p *Probe) Run(ctx context.Context, from, rcpt config.Account) *Result {
	res := &Result{
		From:      from.Name,
		Rcpt:      rcpt.Name,
		StartedAt: p.clock.Now(),
	}

	smtpTime := stopwatch.New(p.clock)
	smtpTime.Start()
	res.CorrelationID, res.SendErr = p.sender.Send(ctx, from, rcpt)
	smtpTime.Stop()
	res.SMTPElapsed = smtpTime.Elapsed()

	if res.SendErr != nil {
		res.CorrelationID = ""
		p.logger.Warn("send failed", "from", from.Name, "error", res.SendErr)
		return res
	}
	p.logger.Debug("message sent", "id", res.CorrelationID, "elapsed", res.SMTPElapsed)

	imapTime := stopwatch.New(p.clock)
	imapTime.Start()
	res.PollAttempted = true
	res.PollErr = p.poller.Check(ctx, rcpt, res.CorrelationID, imapTime)
	imapTime.Stop()
	res.IMAPElapsed = imapTime.Elapsed()

	if res.PollErr != nil {
		p.logger.Warn("poll failed", "rcpt", rcpt.Name, "id", res.CorrelationID, "error", res.PollErr)
	} else {
		p.logger.Debug("message received", "id", res.CorrelationID, "elapsed", res.IMAPElapsed)
	}
	return res
}
