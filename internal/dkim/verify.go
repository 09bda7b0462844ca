package dkim

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// LookupTXTFunc resolves DKIM key records. Nil means the system resolver.
type LookupTXTFunc func(domain string) ([]string, error)

// Verification is the outcome of checking one DKIM-Signature header
type Verification struct {
	Domain string
	Valid  bool
	Err    error
}

func (v Verification) String() string {
	if v.Valid {
		return fmt.Sprintf("%s: pass", v.Domain)
	}
	return fmt.Sprintf("%s: fail (%v)", v.Domain, v.Err)
}

// Verify checks every DKIM signature on a raw message. A message without
// signatures yields an empty slice.
func Verify(raw []byte, lookup LookupTXTFunc) ([]Verification, error) {
	opts := &dkim.VerifyOptions{}
	if lookup != nil {
		opts.LookupTXT = lookup
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to verify message: %w", err)
	}

	out := make([]Verification, 0, len(verifications))
	for _, v := range verifications {
		out = append(out, Verification{
			Domain: v.Domain,
			Valid:  v.Err == nil,
			Err:    v.Err,
		})
	}
	return out, nil
}
