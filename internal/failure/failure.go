// Package failure classifies network and protocol errors of a probe phase.
package failure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
)

// Kind is the category of a phase failure
type Kind int

const (
	KindUnexpected Kind = iota
	KindConnect
	KindTLS
	KindAuth
	KindProtocol
	KindTimeout
)

// String returns the name used inside diagnostics
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "Connect"
	case KindTLS:
		return "TLS"
	case KindAuth:
		return "Authentication"
	case KindProtocol:
		return "Protocol"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unexpected"
	}
}

// Error is a classified failure of one phase (SMTP or IMAP)
type Error struct {
	Phase string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return e.Diagnostic()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Diagnostic renders "<Phase><Kind>Error: <message>", e.g.
// "SMTPAuthenticationError: 535 5.7.8 bad credentials".
func (e *Error) Diagnostic() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return e.Phase + e.Kind.String() + "Error: " + msg
}

// KindOf returns the kind of a classified error, or KindUnexpected
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnexpected
}

// Diagnostic returns the diagnostic of err, or "" for nil
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Diagnostic()
	}
	return err.Error()
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTLS reports whether err comes from a TLS handshake: an untrusted or
// mismatched certificate, a non-TLS peer, or an alert sent by the server.
func IsTLS(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		recordErr    tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &recordErr):
		return true
	}

	// alerts received from the peer surface as "remote error: tls: ..."
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}
