package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// backupCodeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const backupCodeLength = 10

// GenerateBackupCodes returns n fresh single-use recovery codes. The
// plaintext codes are shown to the user exactly once; only their hashes are
// stored.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// HashBackupCode returns the stored form of a backup code. Input is
// normalized so user-entered codes match regardless of case or dashes.
func HashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func randomBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(backupCodeAlphabet[int(c)%len(backupCodeAlphabet)])
	}
	out := b.String()
	// XXXXX-XXXXX reads better on a printed sheet
	return out[:5] + "-" + out[5:], nil
}
