package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Control, session, and delegation tokens in key=value or key: value form.
	regexp.MustCompile(`(?i)(control[_-]?token|session[_-]?token|delegation[_-]?token|confirm[_-]?nonce|auth[_-]?token|secret[_-]?key|api[_-]?key|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Signed nonce blobs (base64url payload dot hex signature).
	regexp.MustCompile(`[A-Za-z0-9_\-]{24,}\.[0-9a-f]{64}`),
	// UUIDs after token-like prefixes.
	regexp.MustCompile(`(?i)(token|secret|nonce)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a field name looks like it carries a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "nonce", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with secret-looking keys replaced and all
// string values run through Redact. Nested maps are handled recursively.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = Redact(val)
		case map[string]any:
			out[k] = RedactMap(val)
		default:
			out[k] = v
		}
	}
	return out
}
