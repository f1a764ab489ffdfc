// Package envsafe redacts and filters environment variables so secrets never
// reach logs, history, or display output.
package envsafe

import "strings"

// Redacted replaces a sensitive value wherever one is displayed.
const Redacted = "[REDACTED]"

// sensitiveMarkers flag variable names whose values must never be shown.
var sensitiveMarkers = []string{
	"PASSWORD",
	"PASSWD",
	"SECRET",
	"TOKEN",
	"APIKEY",
	"API_KEY",
	"PRIVATE_KEY",
	"CREDENTIAL",
	"AUTH",
}

// IsSensitive reports whether the variable name looks secret-bearing.
func IsSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// Redact returns environ (KEY=VALUE entries) with every sensitive value
// replaced by the redaction marker. Order is preserved; malformed entries
// pass through untouched.
func Redact(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && IsSensitive(name) {
			out = append(out, name+"="+Redacted)
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Filtered returns environ with sensitive entries removed entirely, for
// callers building a minimal child environment.
func Filtered(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && IsSensitive(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
