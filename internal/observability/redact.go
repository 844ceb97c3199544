package observability

import "regexp"

// redacted replaces any matched secret with this sentinel (§7).
const redacted = "[FILTERED]"

// Redaction is a finite, documented list of patterns (§7 / Design
// Note: "keep redaction but restrict it to a finite, documented list
// of key patterns plus two value patterns"), not the teacher's
// reflection-heavy field filtering. Grounded on the teacher's
// internal/crypto "enc:" prefix convention for recognising sensitive
// values by shape, generalized from one prefix into a small pattern
// set covering bearer tokens, long base64/hex runs, and secret-ish
// key names.
var (
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	longOpaqueRunPattern = regexp.MustCompile(`\b[A-Za-z0-9+/_\-]{24,}={0,2}\b`)
	secretKeyNamePattern = regexp.MustCompile(`(?i)api[_-]?key|authorization|token|secret|password`)
)

// redactString replaces secret-shaped substrings in s.
func redactString(s string) string {
	s = bearerTokenPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = longOpaqueRunPattern.ReplaceAllString(s, redacted)
	return s
}

// redactValue walks an arbitrary JSON-shaped value (the decoded form
// of a wire request/response/header map), redacting:
//   - any string value whose sibling key matches secretKeyNamePattern
//   - any string value matching a bearer-token or long-opaque-run shape,
//     regardless of key name
//
// Applied only at artifact-write time (Design Note: "never mid-pipeline"),
// so the redaction never touches the in-flight payload stages consume.
func redactValue(key string, v any) any {
	switch val := v.(type) {
	case string:
		if secretKeyNamePattern.MatchString(key) {
			return redacted
		}
		return redactString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = redactValue(k, sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = redactValue(key, sub)
		}
		return out
	default:
		return v
	}
}
