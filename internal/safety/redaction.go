package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// RedactedValue replaces secret parameter values in audit records.
const RedactedValue = "***REDACTED***"

var (
	// Match a PEM block header/footer. Redact the whole block because it is almost always sensitive.
	pemBeginRE = regexp.MustCompile(`(?m)^-----BEGIN [A-Z0-9 ][A-Z0-9 ]+-----\s*$`)
	pemEndRE   = regexp.MustCompile(`(?m)^-----END [A-Z0-9 ][A-Z0-9 ]+-----\s*$`)

	// Common secret-bearing key/value patterns, including the login form fields.
	kvSecretRE = regexp.MustCompile(`(?i)\b(password|passwd|pwd|user_password|passphrase|secret|token|api[_-]?key|client[_-]?secret|private[_-]?key)\b\s*[:=]\s*(.+)$`)

	// Authorization headers, bearer or basic.
	authHeaderRE = regexp.MustCompile(`(?i)\bauthorization\s*:\s*(bearer|basic)\s+([A-Za-z0-9\-._~+/]+=*)`)

	// Anti-forgery and session tokens that show up in raw instance responses.
	formTokenRE = regexp.MustCompile(`(?i)\b(sysparm_ck|g_ck|x-usertoken)(["'\s]*(?:value\s*)?[:=]\s*["']?)[A-Za-z0-9_]{16,}`)
	sessionRE   = regexp.MustCompile(`(?i)\b(JSESSIONID|glide_session_store|glide_user_route|glide_user_activity)=[^;\s]+`)

	jwtRE = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)
)

// RedactSensitiveText removes likely-secret material from text before it is
// written to logs or audit records. If a value looks sensitive, it is
// replaced.
//
// Returns (redactedText, redactionCount).
func RedactSensitiveText(input string) (string, int) {
	if input == "" {
		return input, 0
	}

	lines := strings.Split(input, "\n")
	redactions := 0

	inPEM := false
	for i, line := range lines {
		if !inPEM && pemBeginRE.MatchString(line) {
			inPEM = true
			lines[i] = "[REDACTED PEM BLOCK]"
			redactions++
			continue
		}
		if inPEM {
			if pemEndRE.MatchString(line) {
				inPEM = false
			}
			lines[i] = ""
			continue
		}

		if m := kvSecretRE.FindStringSubmatchIndex(line); m != nil {
			valueStart, valueEnd := m[4], m[5]
			if valueStart >= 0 && valueEnd > valueStart {
				lines[i] = line[:valueStart] + "[REDACTED]"
				redactions++
				continue
			}
		}

		if authHeaderRE.MatchString(line) {
			lines[i] = authHeaderRE.ReplaceAllString(line, "Authorization: $1 [REDACTED]")
			redactions++
			continue
		}

		if formTokenRE.MatchString(lines[i]) {
			lines[i] = formTokenRE.ReplaceAllString(lines[i], "${1}${2}[REDACTED]")
			redactions++
		}
		if sessionRE.MatchString(lines[i]) {
			lines[i] = sessionRE.ReplaceAllString(lines[i], "${1}=[REDACTED]")
			redactions++
		}
		if jwtRE.MatchString(lines[i]) {
			lines[i] = jwtRE.ReplaceAllString(lines[i], "[REDACTED_JWT]")
			redactions++
		}
	}

	// Drop empty lines introduced by PEM redaction.
	outLines := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		outLines = append(outLines, l)
	}
	return strings.Join(outLines, "\n"), redactions
}

// sensitiveParamKeys are parameter names whose values are never recorded.
var sensitiveParamKeys = []string{"password", "pwd", "secret", "token"}

// IsSensitiveParam reports whether a tool parameter name carries a secret.
func IsSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, key := range sensitiveParamKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// RedactParams returns a copy of params safe to persist. Secret values become
// RedactedValue and script bodies are reduced to their length. Nested maps
// are redacted recursively; the input is never modified.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch {
		case IsSensitiveParam(k):
			out[k] = RedactedValue
		case strings.EqualFold(k, "script"):
			out[k] = redactScript(v)
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = RedactParams(nested)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func redactScript(v any) string {
	s, ok := v.(string)
	if !ok {
		return "<redacted>"
	}
	return fmt.Sprintf("<redacted: %d chars>", len([]rune(s)))
}
