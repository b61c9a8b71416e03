package orchestrator

import "strings"

// Phone numbers are kept as digits only, E.164 without the plus sign.
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// NormalizePhone strips formatting from a phone number. It returns "" when
// what is left cannot be a phone number.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// WhatsApp ids sometimes carry a device or domain suffix
	if i := strings.IndexAny(s, "@:"); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := strings.TrimPrefix(b.String(), "00")
	if len(out) < minPhoneDigits || len(out) > maxPhoneDigits {
		return ""
	}
	return out
}
