// Package store persists the proctoring audit trail.
package store

import (
	"context"
	"time"

	"github.com/ashureev/proctord/internal/domain"
)

// Repository defines the interface for persisting proctoring events.
// Sessions themselves are never loaded back from it.
type Repository interface {
	// AppendEvents stores audit records. Records with an existing ID are ignored.
	AppendEvents(ctx context.Context, records []domain.AuditRecord) error

	// ListEvents returns the records of a session in event-time order.
	ListEvents(ctx context.Context, sessionID string) ([]domain.AuditRecord, error)

	// PruneEvents deletes records whose event time is before cutoff.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
