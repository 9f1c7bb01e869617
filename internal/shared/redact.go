package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretQueryParams are URL query keys whose values grant access to an
// object or the gateway.
var secretQueryParams = []string{"signature", "token", "access_token"}

// secretKeyParts mark config, env and log attribute names holding secrets.
var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "signing_key", "credential"}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`),
	regexp.MustCompile(`(?i)((?:STOWAGE_)?(?:signing_key|auth_token|api[_-]?key|secret[_-]?key)\s*[:=]\s*"?)([^\s"&]{8,})`),
	regexp.MustCompile(`(?i)([?&](?:` + strings.Join(secretQueryParams, "|") + `)=)([^&\s"]+)`),
}

// Redact masks bearer tokens, secret assignments and signed URL query
// values in free text such as error messages.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllString(result, "${1}"+redactedPlaceholder)
	}
	return result
}

// RedactURL masks the secret query values of a single URL. Unparseable
// input falls back to Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return Redact(raw)
	}
	q := u.Query()
	changed := false
	for _, key := range secretQueryParams {
		if q.Has(key) {
			q.Set(key, redactedPlaceholder)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// IsSecretKey reports whether a config, env or attribute name holds a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactEnv copies env with secret-named values masked, for logging a
// child's environment.
func RedactEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSecretKey(k) {
			v = redactedPlaceholder
		}
		out[k] = v
	}
	return out
}
