package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
	"github.com/vladislavdragonenkov/pie/internal/storage/memory"
)

var _ domain.OutboxRepository = (*stubCleanupRepo)(nil)

func TestCleanupWorker_PurgeBefore_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{purgeResults: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithCleanupBatchSize(2))

	deleted, err := worker.PurgeBefore(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}
	if calls := repo.calls(); calls != 3 {
		t.Fatalf("unexpected purge calls: got=%d want=3", calls)
	}
}

func TestCleanupWorker_PurgeBefore_Error(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{purgeErrors: []error{errors.New("boom")}}
	worker := NewCleanupWorker(repo, WithCleanupBatchSize(10))

	deleted, err := worker.PurgeBefore(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected PurgeBefore error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestCleanupWorker_UsesRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubCleanupRepo{}
	worker := NewCleanupWorker(repo,
		WithRetention(24*time.Hour),
		WithCleanupClock(func() time.Time { return now }),
		WithCleanupMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())),
	)

	worker.cleanup(context.Background())

	if got := repo.lastBefore(); !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected purge boundary: %s", got)
	}
}

func TestCleanupWorker_KeepsPendingMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewOutboxRepository()

	sent, err := repo.Enqueue(ctx, domain.OutboxMessage{EventType: domain.EventDayOrdersConfirmed})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := repo.Enqueue(ctx, domain.OutboxMessage{EventType: domain.EventDayOrdersConfirmed}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := repo.MarkSent(ctx, sent.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}

	worker := NewCleanupWorker(repo)
	deleted, err := worker.PurgeBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 purged message, got %d", deleted)
	}
	if got := len(repo.AllPending()); got != 1 {
		t.Fatalf("expected pending message to survive, got %d", got)
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{}
	worker := NewCleanupWorker(repo, WithCleanupInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := repo.calls(); calls == 0 {
		t.Fatal("expected cleanup to be called at least once")
	}
}

func TestCleanupWorker_Run_NilRepo(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewCleanupWorker(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker with nil repo must return immediately")
	}
}

type stubCleanupRepo struct {
	domain.OutboxRepository

	mu           sync.Mutex
	purgeResults []int
	purgeErrors  []error
	callCount    int
	before       time.Time
}

func (s *stubCleanupRepo) PurgeProcessed(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.before = before

	if len(s.purgeErrors) > 0 {
		err := s.purgeErrors[0]
		s.purgeErrors = s.purgeErrors[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.purgeResults) == 0 {
		return 0, nil
	}
	result := s.purgeResults[0]
	s.purgeResults = s.purgeResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubCleanupRepo) lastBefore() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}
