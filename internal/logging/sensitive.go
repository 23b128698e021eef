// Package logging provides redaction helpers so credentials never
// reach log output or the operator console.
package logging

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names whose values must be masked.
var sensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"session_id":    true,
	"cookie":        true,
	"webhook_url":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name should have its value
// masked. Substring matches count, so "db_password" is sensitive too.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if sensitiveFields[lowerField] {
		return true
	}
	for sensitive := range sensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskString masks the middle of a string, showing only the first and
// last characters. Strings too short to mask safely are fully redacted.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// sensitivePatterns match credentials embedded in raw strings, such as
// a quarantined payload that failed to decode.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(?i)(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks credential-shaped substrings in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// SafeLogValue returns a safe-to-log version of a value based on the
// field name it will be logged under.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		return value
	}

	switch v := value.(type) {
	case []string:
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	default:
		_ = v
		return MaskedValue
	}
}
