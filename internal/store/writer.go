package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/proctord/internal/domain"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

type auditBatch struct {
	sessionID string
	events    []domain.Event
}

// AuditWriter persists session events off the request path. When the queue
// is full new batches are dropped and counted.
type AuditWriter struct {
	repo    Repository
	queue   chan auditBatch
	logger  *slog.Logger
	now     func() time.Time
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewAuditWriter starts a writer draining into repo.
func NewAuditWriter(repo Repository, queueSize int, logger *slog.Logger) *AuditWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	w := &AuditWriter{
		repo:    repo,
		queue:   make(chan auditBatch, queueSize),
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues events without blocking.
func (w *AuditWriter) Record(sessionID string, events []domain.Event) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.queue <- auditBatch{sessionID: sessionID, events: events}:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("Audit queue full, dropping events", "session_id", sessionID, "dropped_total", n)
	}
}

// Dropped returns how many batches were discarded.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *AuditWriter) run() {
	defer close(w.stopped)
	for {
		select {
		case b := <-w.queue:
			w.write(b)
		case <-w.done:
			for {
				select {
				case b := <-w.queue:
					w.write(b)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(b auditBatch) {
	recordedAt := w.now()
	records := make([]domain.AuditRecord, len(b.events))
	for i, ev := range b.events {
		records[i] = domain.AuditRecord{
			ID:         uuid.NewString(),
			SessionID:  b.sessionID,
			Event:      ev,
			RecordedAt: recordedAt,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.repo.AppendEvents(ctx, records); err != nil {
		w.logger.Error("Failed to persist audit events", "session_id", b.sessionID, "count", len(records), "error", err)
	}
}

// Close stops accepting events and flushes what is queued.
func (w *AuditWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
	return nil
}
