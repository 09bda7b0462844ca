package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/lemkep/smtp-gee/internal/clock"
	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/dkim"
	"github.com/lemkep/smtp-gee/internal/failure"
	"github.com/lemkep/smtp-gee/internal/message"
	geetls "github.com/lemkep/smtp-gee/internal/tls"
)

const phase = "SMTP"

// Sender submits probe messages
type Sender struct {
	hostname string
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSender creates a sender announcing itself as hostname. An empty
// hostname is replaced by os.Hostname().
func NewSender(hostname string, c clock.Clock, logger *slog.Logger) *Sender {
	if hostname == "" {
		hostname = LocalHostname()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Sender{
		hostname: hostname,
		clock:    c,
		logger:   logger,
	}
}

// LocalHostname returns the host name embedded in probe payloads
func LocalHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// Send submits one probe message from one account to another and returns
// its correlation ID. Every failure is a *failure.Error; the ID is empty then.
// No retry is attempted.
func (s *Sender) Send(ctx context.Context, from, to config.Account) (message.CorrelationID, error) {
	sentAt := s.clock.Now()
	payload := message.NewPayload(s.hostname, sentAt, from.Email, to.Email)

	data, id, err := message.Build(message.Envelope{
		From:   from.Email,
		To:     to.Email,
		SentAt: sentAt,
	}, payload)
	if err != nil {
		return "", fail(failure.KindUnexpected, err)
	}

	if from.DKIM != nil {
		data, err = s.sign(from.DKIM, data)
		if err != nil {
			return "", fail(failure.KindUnexpected, err)
		}
	}

	if err := s.submit(ctx, from, to, data); err != nil {
		return "", err
	}

	s.logger.Info("probe message submitted",
		"server", from.SMTPAddr(),
		"from", from.Email,
		"to", to.Email,
		"id", id,
	)
	return id, nil
}

func (s *Sender) sign(cfg *config.DKIMConfig, data []byte) ([]byte, error) {
	signer, err := dkim.LoadSigner(cfg.KeyFile, cfg.Domain, cfg.Selector)
	if err != nil {
		return nil, err
	}
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("DKIM signed", "key", signer.Record())
	return signed, nil
}

// submit runs one SMTP session. The connection is closed on every path.
func (s *Sender) submit(ctx context.Context, from, to config.Account, data []byte) error {
	tlsConfig, err := geetls.ClientConfig(geetls.ClientOptions{
		ServerName: from.SMTPServer,
		SkipVerify: from.TLSSkipVerify,
		CAFile:     from.TLSCAFile,
	})
	if err != nil {
		return fail(failure.KindTLS, err)
	}

	addr := from.SMTPAddr()
	dialer := &net.Dialer{Timeout: from.SMTPTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return categorize(err, failure.KindConnect, fmt.Sprintf("connection to %s", addr))
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > from.SMTPTimeout {
		deadline = time.Now().Add(from.SMTPTimeout)
	}
	conn = &boundedConn{Conn: conn, limit: deadline}
	conn.SetDeadline(deadline)

	var client *smtp.Client
	if from.SMTPOverSSL {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return categorize(err, failure.KindTLS, "TLS handshake")
		}
		s.logger.Debug("SMTP over implicit TLS", "server", addr)
		client = smtp.NewClient(tlsConn)
	} else {
		// greets, says EHLO and upgrades; the TLS handshake itself runs
		// lazily on the first command sent over the upgraded connection
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return categorize(err, failure.KindTLS, "STARTTLS")
		}
	}
	defer client.Close()

	remaining := time.Until(deadline)
	client.CommandTimeout = remaining
	client.SubmissionTimeout = remaining

	// the EHLO after STARTTLS completes the handshake, so certificate
	// problems surface here and not at AUTH
	if err := client.Hello(s.hostname); err != nil {
		return categorize(err, failure.KindProtocol, "EHLO")
	}
	if !from.SMTPOverSSL {
		s.logger.Debug("STARTTLS successful", "server", addr)
	}

	if state, ok := client.TLSConnectionState(); ok {
		s.logger.Debug("TLS established", "server", addr, "version", geetls.VersionString(state.Version))
		if info, ok := geetls.PeerInfo(state); ok {
			s.logger.Debug("server certificate", "subject", info.Subject, "issuer", info.Issuer, "days_left", info.DaysLeft)
		}
	}

	if err := client.Auth(sasl.NewPlainClient("", from.Login, from.Password)); err != nil {
		return categorize(err, failure.KindAuth, "AUTH")
	}

	if err := client.SendMail(from.Email, []string{to.Email}, bytes.NewReader(data)); err != nil {
		return categorize(err, failure.KindProtocol, "message submission")
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("QUIT failed", "server", addr, "error", err)
	}

	return nil
}

func fail(kind failure.Kind, err error) *failure.Error {
	return &failure.Error{Phase: phase, Kind: kind, Err: err}
}

// categorize turns a session error into a classified failure. Timeouts win
// over the stage kind, then TLS handshake errors; 535 replies are
// authentication failures whatever the stage.
func categorize(err error, kind failure.Kind, stage string) *failure.Error {
	wrapped := fmt.Errorf("%s failed: %w", stage, err)

	if failure.IsTimeout(err) {
		return fail(failure.KindTimeout, wrapped)
	}
	if failure.IsTLS(err) {
		return fail(failure.KindTLS, wrapped)
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code == 535 {
			return fail(failure.KindAuth, wrapped)
		}
		// a refused greeting or STARTTLS is a server reply, not a TLS problem
		if kind == failure.KindTLS {
			return fail(failure.KindProtocol, wrapped)
		}
	}

	return fail(kind, wrapped)
}

// boundedConn caps every deadline at limit. go-smtp sets its own per-command
// deadlines and clears them after the greeting; the cap keeps the whole
// session within the account's SMTP timeout.
type boundedConn struct {
	net.Conn
	limit time.Time
}

func (c *boundedConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.cap(t))
}

func (c *boundedConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.cap(t))
}

func (c *boundedConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.cap(t))
}

func (c *boundedConn) cap(t time.Time) time.Time {
	if t.IsZero() || t.After(c.limit) {
		return c.limit
	}
	return t
}
