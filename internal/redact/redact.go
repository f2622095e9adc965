// Package redact masks personal data in free text before it is persisted.
package redact

import "regexp"

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// String replaces e-mail addresses and card numbers found in value.
func String(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	return cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
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
