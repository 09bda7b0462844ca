// Package status turns probe timings and outcomes into a monitoring verdict
// and renders it for Nagios or for humans.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity is a Nagios service state
type Severity int

const (
	OK Severity = iota
	Warning
	Critical
	Unknown
)

var severityNames = [...]string{"OK", "WARNING", "CRITICAL", "UNKNOWN"}

// String returns the upper-case Nagios name
func (s Severity) String() string {
	if s < OK || s > Unknown {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ExitCode returns the plugin exit status for s
func (s Severity) ExitCode() int {
	return int(s)
}

// Valid reports whether s is one of the four Nagios states
func (s Severity) Valid() bool {
	return s >= OK && s <= Unknown
}

// SeverityFromCode converts an exit code (0..3) into a Severity
func SeverityFromCode(code int) (Severity, error) {
	s := Severity(code)
	if !s.Valid() {
		return 0, fmt.Errorf("invalid severity %d: must be 0 (OK), 1 (WARNING), 2 (CRITICAL) or 3 (UNKNOWN)", code)
	}
	return s, nil
}

// ParseSeverity accepts a numeric code or a state name such as "critical"
func ParseSeverity(s string) (Severity, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return SeverityFromCode(n)
	}
	for i, name := range severityNames {
		if strings.EqualFold(s, name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("invalid severity %q", s)
}
