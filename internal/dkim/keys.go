package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyPair is an RSA signing key with its DNS placement
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	Domain     string
	Selector   string
}

// DefaultKeyBits is the RSA key size used when none is given
const DefaultKeyBits = 2048

// GenerateKey creates an RSA key pair of the given size. Zero selects
// DefaultKeyBits; sizes below 1024 are rejected by verifiers and here.
func GenerateKey(domain, selector string, bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 1024 {
		return nil, fmt.Errorf("key size %d is too small", bits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		Domain:     domain,
		Selector:   selector,
	}, nil
}

// SavePrivateKey writes the private key as PKCS#1 PEM with mode 0600
func (kp *KeyPair) SavePrivateKey(path string) error {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// DNSRecord returns the TXT record value publishing the public key
func (kp *KeyPair) DNSRecord() string {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&kp.PrivateKey.PublicKey)
	if err != nil {
		return ""
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubKeyBytes)
}

// DNSName returns the owner name of the TXT record
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

// LoadKeyPair reads the private key of domain/selector from a PEM file
func LoadKeyPair(path, domain, selector string) (*KeyPair, error) {
	privateKey, err := loadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: privateKey, Domain: domain, Selector: selector}, nil
}

// loadPrivateKey reads a PKCS#1 or PKCS#8 RSA key from a PEM file
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
