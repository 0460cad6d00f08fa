// Package security scrubs credentials from text that leaves the client in
// logs or error messages.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr     = `(?:password|new_password|new_password_confirmation|[a-z0-9_-]*token|csrf[a-z0-9_-]*|refresh_token_cookie|access_token_cookie)`
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)=([^\s&;"']+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	jwtPattern        = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	cookieHeader      = regexp.MustCompile(`(?i)((?:set-)?cookie\s*:\s*)[^\r\n]+`)
)

// Redact replaces passwords, tokens and cookies in s with a marker.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(s, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllString(out, `${1}=[REDACTED]`)
	out = cookieHeader.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = jwtPattern.ReplaceAllString(out, "[REDACTED_JWT]")
	return out
}

// Truncate redacts s and caps it at limit bytes.
func Truncate(s string, limit int) string {
	out := strings.TrimSpace(Redact(s))
	if limit > 0 && len(out) > limit {
		return out[:limit] + "..."
	}
	return out
}
