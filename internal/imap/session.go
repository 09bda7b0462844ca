package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/lemkep/smtp-gee/internal/config"
	"github.com/lemkep/smtp-gee/internal/failure"
	geetls "github.com/lemkep/smtp-gee/internal/tls"
)

// session is the part of an authenticated IMAP session the poller drives
type session interface {
	Select(mailbox string) error
	SearchSubject(text string) ([]imap.UID, error)
	Fetch(uid imap.UID) ([]byte, error)
	Delete(uid imap.UID) error
	Close() error
	Logout() error
}

// dialFunc opens and authenticates a session for account
type dialFunc func(ctx context.Context, account config.Account) (session, error)

// clientSession is a session on top of imapclient
type clientSession struct {
	client *imapclient.Client
}

// dial connects to account's IMAPS server and logs in
func dial(ctx context.Context, account config.Account) (session, error) {
	tlsConfig, err := geetls.ClientConfig(geetls.ClientOptions{
		ServerName: account.IMAPServer,
		SkipVerify: account.TLSSkipVerify,
		CAFile:     account.TLSCAFile,
	})
	if err != nil {
		return nil, fail(failure.KindTLS, err)
	}

	addr := account.IMAPAddr()
	dialer := &net.Dialer{Timeout: account.IMAPTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, categorize(err, failure.KindConnect, fmt.Sprintf("connection to %s", addr))
	}

	// imapclient applies its own per-command deadlines once the session is up
	tlsConfig.NextProtos = []string{"imap"}
	raw.SetDeadline(time.Now().Add(account.IMAPTimeout))
	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, categorize(err, failure.KindTLS, "TLS handshake")
	}
	raw.SetDeadline(time.Time{})

	client := imapclient.New(conn, nil)
	if err := client.Login(account.Login, account.Password).Wait(); err != nil {
		client.Close()
		return nil, categorize(err, failure.KindAuth, "LOGIN")
	}

	return &clientSession{client: client}, nil
}

func (s *clientSession) Select(mailbox string) error {
	_, err := s.client.Select(mailbox, nil).Wait()
	return err
}

func (s *clientSession) SearchSubject(text string) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: text}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) Fetch(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("message UID %d returned no body", uid)
	}
	return body, nil
}

// Delete flags uid \Deleted and expunges the mailbox
func (s *clientSession) Delete(uid imap.UID) error {
	err := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return err
	}
	return s.client.Expunge().Close()
}

func (s *clientSession) Close() error {
	return s.client.UnselectAndExpunge().Wait()
}

func (s *clientSession) Logout() error {
	defer s.client.Close()
	return s.client.Logout().Wait()
}
