package message

import (
	"net/mail"
	"strings"
)

// ExtractDomain returns the lower-cased domain of an address, or "" when
// the address has no usable domain part.
func ExtractDomain(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// ExtractDomainOrDefault is ExtractDomain with a fallback
func ExtractDomainOrDefault(addr, def string) string {
	if domain := ExtractDomain(addr); domain != "" {
		return domain
	}
	return def
}
