package util

import "strings"

// MaskEmail keeps the first two characters of the local part and the full
// domain, replacing the rest with "***". Used when a token preview must not
// expose an address in full.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return local + "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// NormalizeEmail lowercases and trims an address. Uniqueness is
// case-insensitive, so every lookup and store goes through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
