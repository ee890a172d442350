package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/proctord/internal/domain"
	"github.com/ashureev/proctord/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialises writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed audit repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS proctor_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event TEXT NOT NULL,
		infraction TEXT,
		reason TEXT,
		warning_count INTEGER NOT NULL DEFAULT 0,
		event_time INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proctor_events_session ON proctor_events(session_id, event_time);
	CREATE INDEX IF NOT EXISTS idx_proctor_events_time ON proctor_events(event_time);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEvents stores audit records in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append_events", func(ctx context.Context) error {
		return s.appendEventsOnce(ctx, records)
	})
}

func (s *SQLiteStore) appendEventsOnce(ctx context.Context, records []domain.AuditRecord) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("failed to roll back audit append", "error", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO proctor_events (id, session_id, event, infraction, reason, warning_count, event_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		var infraction, reason interface{}
		if r.Event.Infraction != "" {
			infraction = string(r.Event.Infraction)
		}
		if r.Event.Reason != "" {
			reason = r.Event.Reason
		}
		if _, err = stmt.ExecContext(ctx,
			r.ID, r.SessionID, string(r.Event.Type), infraction, reason,
			r.Event.WarningCount, r.Event.Time.UnixNano(), r.RecordedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ListEvents returns a session's audit records ordered by event time.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]domain.AuditRecord, error) {
	query := `
		SELECT id, session_id, event, infraction, reason, warning_count, event_time, recorded_at
		FROM proctor_events WHERE session_id = ?
		ORDER BY event_time, recorded_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audit rows", "error", closeErr)
		}
	}()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			r                     domain.AuditRecord
			event                 string
			infraction, reason    sql.NullString
			eventTime, recordedAt int64
		)
		if err := rows.Scan(
			&r.ID, &r.SessionID, &event, &infraction, &reason,
			&r.Event.WarningCount, &eventTime, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		r.Event.Type = domain.EventType(event)
		r.Event.Infraction = domain.Kind(infraction.String)
		r.Event.Reason = reason.String
		r.Event.Time = time.Unix(0, eventTime).UTC()
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return records, nil
}

// PruneEvents removes audit records older than cutoff.
func (s *SQLiteStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "prune_events", func(ctx context.Context) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM proctor_events WHERE event_time < ?`, cutoff.UnixNano())
		if err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
