package models

import "time"

// SecurityEvent is the audit record emitted for every security-relevant
// transition (login, step-up, session revoke, email-change lifecycle,
// rate-limit trip). Stored in ClickHouse and streamed to Kafka.
type SecurityEvent struct {
	EventBucket int       `json:"event_bucket" db:"event_bucket"`
	EventDate   string    `json:"event_date" db:"event_date"`
	EventTime   time.Time `json:"event_time" db:"event_time"`
	EventType   string    `json:"event_type" db:"event_type"`
	IdentityID  string    `json:"identity_id" db:"identity_id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	Details     string    `json:"details" db:"details"`
}
