package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	calls   chan struct{}
}

func (f *fakePruner) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.mu.Unlock()
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 3, f.err
}

func (f *fakePruner) snapshot() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

func TestWorker_SweepsWithCutoff(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p := &fakePruner{calls: make(chan struct{}, 8)}
	ctx, cancel := context.WithCancel(context.Background())

	done := startWorker(ctx, p, 24*time.Hour, 5*time.Millisecond, func() time.Time { return now })
	for i := 0; i < 2; i++ {
		select {
		case <-p.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not sweep")
		}
	}
	cancel()
	<-done

	cutoffs := p.snapshot()
	require.GreaterOrEqual(t, len(cutoffs), 2)
	for _, c := range cutoffs {
		assert.Equal(t, now.Add(-24*time.Hour), c)
	}
}

func TestWorker_SurvivesPruneErrors(t *testing.T) {
	p := &fakePruner{calls: make(chan struct{}, 8), err: errors.New("database is locked")}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartWorker(ctx, p, time.Hour, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-p.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("worker stopped after an error")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
