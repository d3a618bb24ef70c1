package common

import (
	"net/url"
)

// MaskSecret masks sensitive strings for safe logging.
// Shows first 4 and last 4 characters for strings longer than 8 chars,
// "***" for short strings and "<not set>" for empty strings.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// RedactURL strips credentials from a connection URL before it is logged.
// The placeholder must survive userinfo percent-encoding, so it is plain
// letters. Malformed URLs fall back to MaskSecret rather than leaking
// verbatim.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return MaskSecret(raw)
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}
