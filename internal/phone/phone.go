// Package phone canonicalizes caller phone numbers for lookup.
package phone

import "strings"

// Normalize strips everything but digits. A leading "+" is dropped too, so
// "+1 (555) 123-4567" and "15551234567" compare equal.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Match reports whether two numbers refer to the same line. When one side
// carries a country prefix the other lacks, the trailing digits must agree
// and the shorter side must have at least seven digits.
func Match(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if len(na) < len(nb) {
		na, nb = nb, na
	}
	return len(nb) >= 7 && strings.HasSuffix(na, nb)
}
