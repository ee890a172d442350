package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/proctord/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "audit", "proctor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, session string, typ domain.EventType, at time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		ID:        id,
		SessionID: session,
		Event: domain.Event{
			Type:         typ,
			Infraction:   domain.KindNoFace,
			Reason:       "No face detected.",
			WarningCount: 1,
			Time:         at,
		},
		RecordedAt: at.Add(time.Millisecond),
	}
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.AppendEvents(ctx, []domain.AuditRecord{
		record("b", "exam-1", domain.EventTerminated, base.Add(9*time.Second)),
		record("a", "exam-1", domain.EventCorrectionWindowStarted, base),
		record("c", "exam-2", domain.EventCorrectionWindowStarted, base),
	}))

	got, err := s.ListEvents(ctx, "exam-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, domain.EventCorrectionWindowStarted, got[0].Event.Type)
	assert.Equal(t, domain.KindNoFace, got[0].Event.Infraction)
	assert.Equal(t, "No face detected.", got[0].Event.Reason)
	assert.True(t, base.Equal(got[0].Event.Time))
	assert.Equal(t, "b", got[1].ID)

	none, err := s.ListEvents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_DuplicateIDsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := record("dup", "exam-1", domain.EventTerminated, base)

	require.NoError(t, s.AppendEvents(ctx, []domain.AuditRecord{r}))
	require.NoError(t, s.AppendEvents(ctx, []domain.AuditRecord{r}))

	got, err := s.ListEvents(ctx, "exam-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteStore_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []domain.AuditRecord{
		record("old", "exam-1", domain.EventTerminated, base.Add(-48*time.Hour)),
		record("new", "exam-1", domain.EventTerminated, base),
	}))

	deleted, err := s.PruneEvents(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := s.ListEvents(ctx, "exam-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.AppendEvents(ctx, []domain.AuditRecord{
				record(id, "exam-1", domain.EventCorrectionWindowStarted, base.Add(time.Duration(i)*time.Second)),
			}))
		}(i)
	}
	wg.Wait()

	got, err := s.ListEvents(ctx, "exam-1")
	require.NoError(t, err)
	assert.Len(t, got, 8)
}

func TestAuditWriter_FlushesOnClose(t *testing.T) {
	s := newTestStore(t)
	w := NewAuditWriter(s, 16, nil)

	w.Record("exam-1", []domain.Event{
		{Type: domain.EventCorrectionWindowStarted, Infraction: domain.KindProfileFace, WarningCount: 1, Time: base},
		{Type: domain.EventCorrectedInTime, Infraction: domain.KindProfileFace, WarningCount: 1, Time: base.Add(time.Second)},
	})
	require.NoError(t, w.Close())

	got, err := s.ListEvents(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, domain.EventCorrectedInTime, got[1].Event.Type)

	w.Record("exam-1", []domain.Event{{Type: domain.EventTerminated, Time: base}})
	assert.Zero(t, w.Dropped())
}
