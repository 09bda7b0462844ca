// Package imap waits for a probe message to arrive in a mailbox and removes
// it once found.
package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/lemkep/smtp-gee/internal/clock"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/dkim"
	"github.com/lemkep/smtp-gee/internal/failure"
	"github.com/lemkep/smtp-gee/internal/message"
	"github.com/lemkep/smtp-gee/internal/stopwatch"
)

const phase = "IMAP"

// PollInterval is the pause between two searches
const PollInterval = time.Second

// Poller searches a mailbox for probe messages
type Poller struct {
	clock     clock.Clock
	logger    *slog.Logger
	dial      dialFunc
	lookupTXT dkim.LookupTXTFunc
}

// NewPoller creates a poller sleeping on c between searches. A nil clock
// means the system clock.
func NewPoller(c clock.Clock, logger *slog.Logger) *Poller {
	if c == nil {
		c = clock.Real{}
	}
	return &Poller{
		clock:     c,
		logger:    logger,
		dial:      dial,
		lookupTXT: net.LookupTXT,
	}
}

// Check waits until the message tagged with id shows up in account's mailbox,
// then fetches and deletes it. Before every search the elapsed time of
// deadline is compared with account.IMAPTimeout; once it is exceeded Check
// gives up and leaves the mailbox untouched. Every failure is a *failure.Error.
func (p *Poller) Check(ctx context.Context, account config.Account, id message.CorrelationID, deadline *stopwatch.Stopwatch) error {
	if deadline == nil {
		deadline = stopwatch.New(p.clock)
		deadline.Start()
	}

	sess, err := p.dial(ctx, account)
	if err != nil {
		return err
	}
	defer func() {
		if lerr := sess.Logout(); lerr != nil {
			p.logger.Warn("LOGOUT failed", "server", account.IMAPAddr(), "error", lerr)
		}
	}()

	mailbox := account.Mailbox
	if mailbox == "" {
		mailbox = config.DefaultMailbox
	}
	if err := sess.Select(mailbox); err != nil {
		return categorize(err, failure.KindProtocol, "SELECT "+mailbox)
	}

	uids, err := p.wait(ctx, sess, account, id, deadline)
	if err != nil {
		return err
	}

	var last imap.UID
	for _, uid := range uids {
		body, err := sess.Fetch(uid)
		if err != nil {
			return categorize(err, failure.KindProtocol, "FETCH")
		}
		p.inspect(ctx, uid, body)
		last = uid
	}

	if len(uids) > 1 {
		p.logger.Warn("several messages match, deleting only the last", "id", id, "matches", len(uids))
	}

	if err := sess.Delete(last); err != nil {
		return categorize(err, failure.KindProtocol, "delete")
	}
	if err := sess.Close(); err != nil {
		return categorize(err, failure.KindProtocol, "CLOSE")
	}

	p.logger.Info("probe message received", "server", account.IMAPAddr(), "mailbox", mailbox, "id", id)
	return nil
}

// wait runs the search loop and returns the UIDs of the first non-empty result
func (p *Poller) wait(ctx context.Context, sess session, account config.Account, id message.CorrelationID, deadline *stopwatch.Stopwatch) ([]imap.UID, error) {
	for attempt := 1; ; attempt++ {
		if elapsed := deadline.SinceStart(); elapsed > account.IMAPTimeout {
			return nil, fail(failure.KindTimeout,
				fmt.Errorf("message %s not found after %s (%d searches)", id, elapsed.Round(time.Millisecond), attempt-1))
		}
		if err := ctx.Err(); err != nil {
			return nil, categorize(err, failure.KindUnexpected, "polling")
		}

		uids, err := sess.SearchSubject(string(id))
		if err != nil {
			return nil, categorize(err, failure.KindProtocol, "SEARCH")
		}
		if len(uids) > 0 {
			p.logger.Debug("message found", "id", id, "uids", len(uids), "searches", attempt)
			return uids, nil
		}

		p.clock.Sleep(PollInterval)
	}
}

// inspect logs the transport headers and DKIM results of a fetched copy
func (p *Poller) inspect(ctx context.Context, uid imap.UID, body []byte) {
	if !p.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		p.logger.Debug("cannot parse fetched message", "uid", uid, "error", err)
		return
	}
	for _, received := range mr.Header.Values("Received") {
		p.logger.Debug("Received", "uid", uid, "header", received)
	}
	mr.Close()

	results, err := dkim.Verify(body, p.lookupTXT)
	if err != nil {
		p.logger.Debug("DKIM verification failed", "uid", uid, "error", err)
		return
	}
	for _, r := range results {
		p.logger.Debug("DKIM", "uid", uid, "result", r.String())
	}
}

func fail(kind failure.Kind, err error) *failure.Error {
	return &failure.Error{Phase: phase, Kind: kind, Err: err}
}

// categorize turns a session error into a classified failure. Timeouts win
// over the stage kind; AUTHENTICATIONFAILED responses are authentication failures.
func categorize(err error, kind failure.Kind, stage string) *failure.Error {
	wrapped := fmt.Errorf("%s failed: %w", stage, err)

	if failure.IsTimeout(err) {
		return fail(failure.KindTimeout, wrapped)
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAuthenticationFailed {
		return fail(failure.KindAuth, wrapped)
	}

	return fail(kind, wrapped)
}
