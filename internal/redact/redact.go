package redact

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Session headers and JSON session fields returned by the login endpoint.
	sessionRe = regexp.MustCompile(`(?i)(x-archivesspace-session\s*[:=]\s*|"session"\s*:\s*")[^\s"',}]+`)

	// Common key=value formats that sometimes leak in error strings (including login URLs).
	secretKVRe = regexp.MustCompile(`(?i)\b(password|api[_-]?key|token)\b\s*[:=]\s*[^\s"'&]+`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
//
// This is intentionally conservative: it should be safe to call on any message,
// including upstream error strings and record payload excerpts.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = sessionRe.ReplaceAllString(out, "${1}<redacted>")
	out = secretKVRe.ReplaceAllString(out, "${1}=<redacted>")
	return strings.TrimSpace(out)
}

// Truncate redacts s and trims it to at most max bytes, collapsing newlines so
// the result fits on one log or ledger line.
func Truncate(s string, max int) string {
	s = Secrets(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	// Do not split a multi-byte rune.
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
