// Package message builds the probe message: the payload text, the correlation
// ID derived from it and the RFC 5322 message submitted over SMTP.
package message

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// SubjectPrefix marks every probe message
const SubjectPrefix = "[SMTP-GEE] |"

// Mailer is the X-Mailer header value of probe messages
const Mailer = "smtp-gee"

const payloadTemplate = `Hi,
this is a testmail, generated by SMTP-GEE.

sent on:   %s
sent at:   %s
sent from: %s
sent to:   %s

Cheers.
    SMTP-GEE

`

// CorrelationID identifies one probe message. It is the hex SHA-1 of the payload.
type CorrelationID string

// String returns the hex digest
func (id CorrelationID) String() string { return string(id) }

// Payload is the text body of a probe message
type Payload string

// NewPayload renders the body for a probe sent from host at sentAt.
// The timestamp keeps nanosecond resolution so that back-to-back runs
// between the same accounts still produce distinct payloads.
func NewPayload(host string, sentAt time.Time, from, to string) Payload {
	ts := fmt.Sprintf("%d.%09d", sentAt.Unix(), sentAt.Nanosecond())
	return Payload(fmt.Sprintf(payloadTemplate, host, ts, from, to))
}

// CorrelationID returns the digest of the payload bytes
func (p Payload) CorrelationID() CorrelationID {
	sum := sha1.Sum([]byte(p))
	return CorrelationID(hex.EncodeToString(sum[:]))
}

// Subject returns the subject line carrying id
func Subject(id CorrelationID) string {
	return SubjectPrefix + string(id)
}

// IDFromSubject extracts the correlation ID from a probe subject.
// ok is false when subject is not a probe subject.
func IDFromSubject(subject string) (CorrelationID, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(subject), SubjectPrefix)
	if !found || rest == "" {
		return "", false
	}
	return CorrelationID(rest), true
}

// Envelope describes the addressing of a probe message
type Envelope struct {
	From   string
	To     string
	SentAt time.Time
}

// Build renders the complete message for payload and returns it together
// with its correlation ID.
func Build(env Envelope, payload Payload) ([]byte, CorrelationID, error) {
	id := payload.CorrelationID()

	var h mail.Header
	h.SetDate(env.SentAt)
	h.SetAddressList("From", []*mail.Address{{Address: env.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(Subject(id))
	h.SetMessageID(uuid.NewString() + "@" + ExtractDomainOrDefault(env.From, "localhost"))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Mailer", Mailer)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}
	body := strings.ReplaceAll(string(payload), "\n", "\r\n")
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return nil, "", fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), id, nil
}
