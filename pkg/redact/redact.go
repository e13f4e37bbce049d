package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Query parameters that carry credentials in signed connection URLs.
var secretParams = []string{"authorization", "signature", "api_key", "apikey"}

// SetEnabled toggles transcript redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// URL masks credential query parameters. It is applied regardless of the
// redaction toggle since signed URLs must never reach the logs.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_URL]"
	}
	q := u.Query()
	changed := false
	for _, key := range secretParams {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Secret keeps the first and last two characters of a credential.
func Secret(in string) string {
	if len(in) <= 6 {
		return strings.Repeat("*", len(in))
	}
	return in[:2] + strings.Repeat("*", len(in)-4) + in[len(in)-2:]
}
