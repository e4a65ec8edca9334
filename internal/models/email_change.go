package models

import "time"

// PendingEmailChange tracks a requested change of account email. The record
// carries two independent unguessable tokens: verifyToken is mailed to the
// new address, cancelToken to the old one. At most one non-terminal record
// may exist per identity; expiry is evaluated lazily at access time.
type PendingEmailChange struct {
	ID          string     `json:"id" db:"id"`
	IdentityID  string     `json:"identity_id" db:"identity_id"`
	OldEmail    string     `json:"old_email" db:"old_email"`
	NewEmail    string     `json:"new_email" db:"new_email"`
	VerifyToken string     `json:"-" db:"verify_token"`
	CancelToken string     `json:"-" db:"cancel_token"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	Finalized   bool       `json:"finalized" db:"finalized"`
	FinalizedAt *time.Time `json:"finalized_at" db:"finalized_at"`
	Cancelled   bool       `json:"cancelled" db:"cancelled"`
	CancelledAt *time.Time `json:"cancelled_at" db:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Terminal reports whether the record can no longer transition.
func (p *PendingEmailChange) Terminal(now time.Time) bool {
	return p.Finalized || p.Cancelled || !now.Before(p.ExpiresAt)
}
