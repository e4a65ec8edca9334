package models

import "time"

// Session is a server-side login session. Deleting the row is the only
// revocation mechanism; there is no soft-disable flag.
type Session struct {
	ID             string    `json:"id" db:"id"`
	Token          string    `json:"-" db:"token"`
	IdentityID     string    `json:"identity_id" db:"identity_id"`
	StepUpVerified bool      `json:"step_up_verified" db:"step_up_verified"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	LastActive     time.Time `json:"last_active" db:"last_active"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	Geo            string    `json:"geo" db:"geo"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Pending reports whether the session still awaits step-up verification.
func (s *Session) Pending() bool {
	return !s.StepUpVerified
}
