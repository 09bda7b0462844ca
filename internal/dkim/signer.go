// Package dkim signs outgoing probe messages and verifies the DKIM
// signatures found on received copies.
package dkim

import (
	"crypto"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the probe headers covered by the signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-Id"}

// Signer adds a DKIM-Signature header to probe messages
type Signer struct {
	key *KeyPair
}

// NewSigner signs with the key, domain and selector of kp
func NewSigner(kp *KeyPair) *Signer {
	return &Signer{key: kp}
}

// LoadSigner reads the private key of domain/selector from a PEM file
func LoadSigner(keyFile, domain, selector string) (*Signer, error) {
	kp, err := LoadKeyPair(keyFile, domain, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(kp), nil
}

// Sign returns message with a relaxed/relaxed rsa-sha256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	w, err := dkim.NewSigner(&dkim.SignOptions{
		Domain:                 s.key.Domain,
		Selector:               s.key.Selector,
		Signer:                 s.key.PrivateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	header := w.Signature()
	signed := make([]byte, 0, len(header)+len(message))
	signed = append(signed, header...)
	return append(signed, message...), nil
}

// Record is the DNS name of the signing key, e.g. "probe._domainkey.example.com"
func (s *Signer) Record() string {
	return s.key.DNSName()
}
