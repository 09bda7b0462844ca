package status

import (
	"errors"
	"time"
)

// Thresholds are the warning and critical elapsed-time limits per phase
type Thresholds struct {
	SMTPWarn time.Duration
	SMTPCrit time.Duration
	IMAPWarn time.Duration
	IMAPCrit time.Duration
}

// DefaultThresholds returns 15/30 s for SMTP and 20/30 s for IMAP
func DefaultThresholds() Thresholds {
	return Thresholds{
		SMTPWarn: 15 * time.Second,
		SMTPCrit: 30 * time.Second,
		IMAPWarn: 20 * time.Second,
		IMAPCrit: 30 * time.Second,
	}
}

// Validate rejects negative limits
func (t Thresholds) Validate() error {
	if t.SMTPWarn < 0 || t.SMTPCrit < 0 || t.IMAPWarn < 0 || t.IMAPCrit < 0 {
		return errors.New("thresholds must not be negative")
	}
	return nil
}

// Input is everything the verdict depends on
type Input struct {
	SMTPElapsed time.Duration
	IMAPElapsed time.Duration

	SendSucceeded bool
	PollAttempted bool
	PollSucceeded bool

	Thresholds Thresholds

	// Exception is reported when a phase failed
	Exception Severity
}

// Failed reports whether the send or an attempted poll failed
func (in Input) Failed() bool {
	return !in.SendSucceeded || (in.PollAttempted && !in.PollSucceeded)
}

// Evaluate derives the severity of a probe run. The first matching rule wins:
// a failed phase yields the exception severity, then critical limits, then
// warning limits. Limits are inclusive.
func Evaluate(in Input) Severity {
	t := in.Thresholds
	switch {
	case in.Failed():
		return in.Exception
	case in.SMTPElapsed >= t.SMTPCrit || in.IMAPElapsed >= t.IMAPCrit:
		return Critical
	case in.SMTPElapsed >= t.SMTPWarn || in.IMAPElapsed >= t.IMAPWarn:
		return Warning
	default:
		return OK
	}
}
