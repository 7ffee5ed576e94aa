package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credential-bearing fragments. Group 1, when present,
// is a prefix kept in the output.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?token|secret|password)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{8,}"?`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	// Storefront platform access tokens (shpat_, shpss_ ...).
	regexp.MustCompile(`shp[a-z]{2}_[A-Fa-f0-9]{32}`),
}

// Redact replaces secrets in free text (run errors, audit reasons, config
// dumps) with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 2 && sub[1] != "" {
				sep := ""
				if !strings.HasSuffix(sub[1], " ") {
					sep = "="
				}
				return sub[1] + sep + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// IsSensitiveKey reports whether a config or log key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactConfig returns a copy of cfg with sensitive keys masked, for logging.
func RedactConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if IsSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}
