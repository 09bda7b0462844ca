package smtp

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/lemkep/smtp-gee/internal/config"
	geetls "github.com/lemkep/smtp-gee/internal/tls"
)

// received is one message accepted by the test server
type received struct {
	From string
	To   []string
	Data []byte
}

// testBackend is an in-memory submission server accepting one user
type testBackend struct {
	username string
	password string

	mu       sync.Mutex
	messages []received
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) Messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend  *testBackend
	authUser string
	from     string
	to       []string
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.authUser == "" {
		return &smtp.SMTPError{Code: 530, Message: "Authentication required"}
	}
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, received{From: s.from, To: s.to, Data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error { return nil }

// testServer is a running submission server on 127.0.0.1
type testServer struct {
	backend *testBackend
	addr    *net.TCPAddr
	caFile  string
}

// startServer starts a server; implicit selects SMTPS, otherwise STARTTLS
// is offered on a plaintext listener.
func startServer(t *testing.T, implicit bool) *testServer {
	t.Helper()

	certPEM, keyPEM, err := geetls.GenerateSelfSigned("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	tlsConfig, err := geetls.ServerConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}

	backend := &testBackend{username: "alice", password: "secret"}
	srv := smtp.NewServer(backend)
	srv.Domain = "mx.test"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig

	var ln net.Listener
	if implicit {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		backend: backend,
		addr:    ln.Addr().(*net.TCPAddr),
		caFile:  caFile,
	}
}

// startPlainServer starts a server that never offers STARTTLS
func startPlainServer(t *testing.T) *net.TCPAddr {
	t.Helper()

	srv := smtp.NewServer(&testBackend{username: "alice", password: "secret"})
	srv.Domain = "mx.test"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().(*net.TCPAddr)
}

func (ts *testServer) account(implicit bool) config.Account {
	return testAccount(ts.addr, implicit, ts.caFile)
}

func testAccount(addr *net.TCPAddr, implicit bool, caFile string) config.Account {
	return config.Account{
		Name:        "alice",
		Login:       "alice",
		Password:    "secret",
		Email:       "alice@example.com",
		SMTPServer:  addr.IP.String(),
		SMTPPort:    addr.Port,
		SMTPOverSSL: implicit,
		IMAPServer:  "127.0.0.1",
		IMAPPort:    993,
		Mailbox:     "INBOX",
		TLSCAFile:   caFile,
		SMTPTimeout: 5 * time.Second,
		IMAPTimeout: 5 * time.Second,
	}
}
