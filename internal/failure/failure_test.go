package failure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth", &Error{Phase: "SMTP", Kind: KindAuth, Err: errors.New("535 bad credentials")}, "SMTPAuthenticationError: 535 bad credentials"},
		{"timeout", &Error{Phase: "IMAP", Kind: KindTimeout, Err: errors.New("no message after 30s")}, "IMAPTimeoutError: no message after 30s"},
		{"wrapped", fmt.Errorf("probe: %w", &Error{Phase: "SMTP", Kind: KindTLS, Err: errors.New("bad cert")}), "SMTPTLSError: bad cert"},
		{"plain", errors.New("boom"), "boom"},
		{"no cause", &Error{Phase: "IMAP", Kind: KindProtocol}, "IMAPProtocolError: unknown error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Diagnostic(tc.err); got != tc.want {
				t.Errorf("Diagnostic() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &Error{Phase: "SMTP", Kind: KindConnect})
	if KindOf(err) != KindConnect {
		t.Errorf("KindOf() = %v, want Connect", KindOf(err))
	}
	if KindOf(errors.New("x")) != KindUnexpected {
		t.Error("KindOf() of plain error should be Unexpected")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded should be a timeout")
	}
	if IsTimeout(errors.New("refused")) {
		t.Error("plain error should not be a timeout")
	}
}

func TestIsTLS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown authority", fmt.Errorf("AUTH: %w", &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}), true},
		{"hostname mismatch", x509.HostnameError{Host: "mail.example.com", Certificate: &x509.Certificate{}}, true},
		{"plain text peer", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, true},
		{"remote alert", &net.OpError{Op: "remote error", Err: errors.New("tls: handshake failure")}, true},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, false},
		{"timeout", context.DeadlineExceeded, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTLS(tc.err); got != tc.want {
				t.Errorf("IsTLS(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
