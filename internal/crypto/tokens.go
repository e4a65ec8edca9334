package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewSessionToken returns a 256-bit opaque token, hex-encoded.
func NewSessionToken() (string, error) {
	return randomHex(32)
}

// NewEmailChangeToken returns a 256-bit token for verify/cancel links.
func NewEmailChangeToken() (string, error) {
	return randomHex(32)
}

// NewCSRFToken returns a 128-bit token for the double-submit cookie.
func NewCSRFToken() (string, error) {
	return randomHex(16)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
