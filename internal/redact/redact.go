// Package redact masks personal data in free text before it leaves the process.
package redact

import (
	"regexp"
)

var (
	emailPattern  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern  = regexp.MustCompile(`\+\d[\d()\-\s.]{7,}\d`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`)
)

// String replaces e-mail addresses, international phone numbers, card numbers
// and bearer credentials found in value.
func String(value string) string {
	if value == "" {
		return value
	}
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = bearerPattern.ReplaceAllString(masked, "Bearer [token_redacted]")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	return masked
}

// Value walks decoded JSON and masks every string it finds.
func Value(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = Value(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, Value(child))
		}
		return cloned
	case string:
		return String(typed)
	default:
		return value
	}
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
