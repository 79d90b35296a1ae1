package logger

import (
	"fmt"
	"strings"
)

// ElidedValue replaces values stored under sensitive keys.
const ElidedValue = "***"

// DefaultMaxValueLen bounds each logged parameter value.
const DefaultMaxValueLen = 200

var sensitiveKeyParts = []string{
	"password",
	"passwd",
	"api_key",
	"apikey",
	"secret",
	"token",
	"authorization",
	"credential",
	"private_key",
}

// IsSensitiveKey reports whether a parameter key looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// SanitizeParams returns a log-safe copy of a parameter bag: sensitive keys are elided,
// nested maps and lists are sanitised recursively and long values are truncated to maxLen characters.
func SanitizeParams(params map[string]interface{}, maxLen int) map[string]interface{} {
	if params == nil {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxValueLen
	}

	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		if IsSensitiveKey(key) {
			out[key] = ElidedValue
			continue
		}

		out[key] = sanitizeValue(value, maxLen)
	}
	return out
}

func sanitizeValue(value interface{}, maxLen int) interface{} {
	switch v := value.(type) {
	case nil, bool, int, int64, float64:
		return v
	case string:
		return Truncate(v, maxLen)
	case map[string]interface{}:
		return SanitizeParams(v, maxLen)
	case []map[string]interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = SanitizeParams(item, maxLen)
		}
		return items
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = sanitizeValue(item, maxLen)
		}
		return items
	default:
		return Truncate(fmt.Sprintf("%v", v), maxLen)
	}
}

// Truncate shortens s to at most maxLen runes, marking the cut.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "...[truncated]"
}
