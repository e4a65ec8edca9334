package models

import "time"

// Identity is an account that can hold sessions and at most one active
// pending email change. Email uniqueness is case-insensitive; the stored
// value is always normalized to lowercase.
type Identity struct {
	ID            string     `json:"id" db:"id"`
	Email         string     `json:"email" db:"email"`
	EmailVerified bool       `json:"email_verified" db:"email_verified"`
	PasswordHash  string     `json:"-" db:"password_hash"`   // empty for federated-only accounts
	TOTPSecretEnc string     `json:"-" db:"totp_secret_enc"` // envelope-encrypted, empty if never enrolled
	TOTPEnabled   bool       `json:"totp_enabled" db:"totp_enabled"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at" db:"updated_at"`
}

// HasPassword reports whether password login is possible for this identity.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != ""
}

// BackupCode is a single-use recovery credential. Only the SHA-256 hash is
// stored; consumption deletes the row.
type BackupCode struct {
	IdentityID string    `json:"identity_id" db:"identity_id"`
	CodeHash   string    `json:"-" db:"code_hash"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
