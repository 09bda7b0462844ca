package status

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Report is an evaluated probe run ready for output
type Report struct {
	Input
	Severity Severity

	// From and Rcpt are the account names
	From string
	Rcpt string

	// Diagnostic describes the failed phase, empty on success
	Diagnostic string
}

// NewReport evaluates in and wraps it for formatting
func NewReport(in Input, from, rcpt, diagnostic string) Report {
	return Report{
		Input:      in,
		Severity:   Evaluate(in),
		From:       from,
		Rcpt:       rcpt,
		Diagnostic: diagnostic,
	}
}

// ExitCode is the Nagios plugin exit status of r
func (r Report) ExitCode() int {
	return r.Severity.ExitCode()
}

// Nagios renders the one-line plugin output with performance data
func Nagios(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: (%s->%s) ", r.Severity, r.From, r.Rcpt)

	smtp, imap := seconds(r.SMTPElapsed), seconds(r.IMAPElapsed)
	switch {
	case !r.SendSucceeded:
		fmt.Fprintf(&b, "SMTP failed in %s sec, NOT received in %s sec", smtp, imap)
	case r.PollAttempted && !r.PollSucceeded:
		fmt.Fprintf(&b, "sent in %s sec, IMAP failed, NOT received in %s sec", smtp, imap)
	default:
		fmt.Fprintf(&b, "sent in %s sec, received in %s sec", smtp, imap)
	}

	if r.Failed() && r.Diagnostic != "" {
		b.WriteString(": ")
		b.WriteString(oneLine(r.Diagnostic))
	}

	b.WriteByte('|')
	b.WriteString(PerfData(r))
	return b.String()
}

// PerfData renders "smtp=<s>;<warn>;<crit> imap=<s>;<warn>;<crit>"
func PerfData(r Report) string {
	t := r.Thresholds
	return fmt.Sprintf("smtp=%s;%s;%s imap=%s;%s;%s",
		seconds(r.SMTPElapsed), limit(t.SMTPWarn), limit(t.SMTPCrit),
		seconds(r.IMAPElapsed), limit(t.IMAPWarn), limit(t.IMAPCrit),
	)
}

// Plain renders the human-readable output. The diagnostic of a failed
// phase is appended as an ERROR line.
func Plain(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SMTP, (%s) time to send the mail: %s sec.\n", r.From, seconds(r.SMTPElapsed))
	fmt.Fprintf(&b, "IMAP, (%s) time until the mail appeared in the destination INBOX: %s sec.\n", r.Rcpt, seconds(r.IMAPElapsed))
	if r.Failed() && r.Diagnostic != "" {
		fmt.Fprintf(&b, "ERROR: %s\n", oneLine(r.Diagnostic))
	}
	return b.String()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func limit(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// oneLine keeps multi-line server replies from breaking the status line
func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "/")
}
