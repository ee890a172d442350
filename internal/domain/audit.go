package domain

import "time"

// AuditRecord is a persisted copy of a session event.
type AuditRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Event      Event     `json:"event"`
	RecordedAt time.Time `json:"recorded_at"`
}
