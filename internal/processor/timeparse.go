package processor

import (
	"strconv"
	"strings"
	"time"
)

// Terminal telemetry encodes times inconsistently across EA builds: epoch
// seconds, epoch milliseconds, numeric strings, or ISO strings. This file is
// the boundary's single time-decoding authority.

// epochMillisCutoff separates second-resolution epochs from millisecond ones.
const epochMillisCutoff = 1e12

var terminalTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
}

// NormalizeTerminalTime decodes a raw terminal timestamp token into a UTC
// instant. It reports false when the token is empty or unparseable.
func NormalizeTerminalTime(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, false
	}
	if numeric, err := strconv.ParseFloat(trimmed, 64); err == nil {
		ms := numeric
		if numeric < epochMillisCutoff {
			ms = numeric * 1000
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	for _, layout := range terminalTimeLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// TerminalTime carries a raw timestamp token through JSON so both numbers and
// strings decode losslessly. The zero value means "absent".
type TerminalTime struct {
	raw string
}

// NewTerminalTime wraps a raw token, mainly for tests and requeue paths.
func NewTerminalTime(raw string) TerminalTime {
	return TerminalTime{raw: strings.TrimSpace(raw)}
}

// UnmarshalJSON accepts string, number, or null tokens.
func (t *TerminalTime) UnmarshalJSON(data []byte) error {
	token := strings.TrimSpace(string(data))
	if token == "" || token == "null" {
		t.raw = ""
		return nil
	}
	if unquoted, err := strconv.Unquote(token); err == nil {
		t.raw = strings.TrimSpace(unquoted)
		return nil
	}
	t.raw = token
	return nil
}

// MarshalJSON re-emits the original token so quarantine round-trips preserve
// whatever the terminal sent.
func (t TerminalTime) MarshalJSON() ([]byte, error) {
	if t.raw == "" {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.raw)), nil
}

// Time decodes the token, reporting false when absent or unparseable.
func (t TerminalTime) Time() (time.Time, bool) {
	return NormalizeTerminalTime(t.raw)
}

// IsZero reports whether no token was supplied.
func (t TerminalTime) IsZero() bool {
	return t.raw == ""
}

// String returns the raw token.
func (t TerminalTime) String() string {
	return t.raw
}
