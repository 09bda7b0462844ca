package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// ClientOptions controls how probe connections verify the server
type ClientOptions struct {
	ServerName string
	SkipVerify bool   // accept any certificate (lab servers with self-signed certs)
	CAFile     string // PEM bundle used instead of the system roots
}

// ClientConfig builds the tls.Config used for SMTP and IMAP sessions
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.SkipVerify,
	}

	if opts.CAFile != "" {
		pool, err := LoadCertPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// LoadCertPool reads a PEM bundle into a certificate pool
func LoadCertPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// PeerCertificateInfo describes the certificate presented by a server
type PeerCertificateInfo struct {
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
	DaysLeft  int
	DNSNames  []string
}

// PeerInfo summarises the leaf certificate of an established connection.
// ok is false when the peer sent no certificate.
func PeerInfo(state tls.ConnectionState) (info *PeerCertificateInfo, ok bool) {
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	cert := state.PeerCertificates[0]
	return &PeerCertificateInfo{
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		DaysLeft:  int(time.Until(cert.NotAfter).Hours() / 24),
		DNSNames:  cert.DNSNames,
	}, true
}

// VersionString returns a short name for a TLS protocol version
func VersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "1.0"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return fmt.Sprintf("0x%04x", version)
	}
}
