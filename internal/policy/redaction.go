// Package policy masks personal data before it reaches logs.
package policy

import (
	"regexp"
	"strings"

	"github.com/ent0n29/toothfairy/internal/phone"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks emails down to their first letter and domain, phone
// numbers down to their last four digits, and card numbers entirely.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllStringFunc(out, MaskEmail)
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllStringFunc(out, MaskPhone)
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskEmail keeps the first character of the local part and the domain:
// "doc@example.com" becomes "d***@example.com".
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "[REDACTED_EMAIL]"
	}
	return local[:1] + "***@" + domain
}

// MaskPhone keeps the last four digits.
func MaskPhone(raw string) string {
	digits := phone.Normalize(raw)
	if len(digits) < 4 {
		return "[REDACTED_PHONE]"
	}
	return "***" + digits[len(digits)-4:]
}
