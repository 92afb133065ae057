// Package logging holds log hygiene helpers. Errors from tenant database
// connections routinely embed credentials (connection strings, password=
// fragments); everything connector-adjacent is sanitized before it reaches a
// log line.
package logging

import "regexp"

// RedactedText replaces sensitive material in sanitized output.
const RedactedText = "[REDACTED]"

var (
	// password=..., pwd=..., pass=... up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host inside connection URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// Bearer tokens (three dot-separated base64url segments)
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// api_key=... style secrets
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret)=[A-Za-z0-9-_]{12,}`)
)

// SanitizeConnectionString strips credentials from a connection string so it
// can be logged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	out := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	out = connStringPattern.ReplaceAllString(out, "://"+RedactedText+"@"+RedactedText)
	return out
}

// SanitizeError renders an error for logging with any embedded credentials
// redacted. Use for every error surfaced from a tenant connector.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	out := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	out = connStringPattern.ReplaceAllString(out, "://"+RedactedText+"@"+RedactedText)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+RedactedText)
	out = apiKeyPattern.ReplaceAllString(out, "${1}="+RedactedText)
	return out
}
