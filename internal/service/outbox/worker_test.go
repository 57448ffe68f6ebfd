package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
	"github.com/vladislavdragonenkov/pie/internal/storage/memory"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: domain.AggregateDayOrders,
				AggregateID:   "2024-01-10",
				EventType:     domain.EventDayOrdersConfirmed,
				Payload:       []byte(`{"date":"2024-01-10"}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: domain.AggregateDayOrders,
				AggregateID:   "2024-01-11",
				EventType:     domain.EventDayOrdersConfirmed,
				Payload:       []byte(`{"date":"2024-01-11"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected failed id msg-2, got %s", repo.failedIDs[0])
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	// Запись DLQ должна восстанавливаться обратно в исходное событие.
	var record kafka.OutboxDLQRecord
	if err := json.Unmarshal(dlqPublisher.last.Payload, &record); err != nil {
		t.Fatalf("decode dlq record: %v", err)
	}
	if record.OutboxID != "msg-2" || record.PublishError != "publish failed" {
		t.Fatalf("unexpected dlq record: %+v", record)
	}
	if string(record.Payload) != `{"date":"2024-01-11"}` {
		t.Fatalf("unexpected original payload: %s", record.Payload)
	}

	envelope, err := json.Marshal(kafka.Envelope{
		ID:          dlqPublisher.last.ID,
		AggregateID: dlqPublisher.last.AggregateID,
		EventType:   kafka.EventType(dlqPublisher.last.EventType),
		Payload:     dlqPublisher.last.Payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	replay, err := kafka.ExtractReplay(envelope, kafka.TopicDayOrdersEvents)
	if err != nil {
		t.Fatalf("extract replay: %v", err)
	}
	if replay.Key != "2024-01-11" || replay.Topic != kafka.TopicDayOrdersEvents {
		t.Fatalf("unexpected replay: %+v", replay)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: domain.AggregateDayOrders,
				AggregateID:   "2024-01-12",
				EventType:     domain.EventDayOrdersConfirmed,
				Payload:       []byte(`{"date":"2024-01-12"}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

func (s *stubOutboxRepo) PurgeProcessed(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	last           domain.OutboxMessage
	onPublish      func()
}

func (s *stubPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.last = event
	if s.onPublish != nil {
		s.onPublish()
	}
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_ProcessOnce_DrainsMemoryOutbox(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	ctx := context.Background()
	for _, day := range []string{"2024-01-10", "2024-01-11"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateDayOrders,
			AggregateID:   day,
			EventType:     domain.EventDayOrdersConfirmed,
			Payload:       []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	worker.ProcessOnce(ctx)

	if got := publisher.calls(); got != 2 {
		t.Fatalf("expected 2 publish calls, got %d", got)
	}
	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %d pending", len(pending))
	}
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	if got := worker.retryBackoff(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := worker.retryBackoff(3); got != 40*time.Millisecond {
		t.Fatalf("attempt 3: got %s", got)
	}

	capped := NewWorker(nil, nil, WithRetryBaseDelay(time.Second), WithMaxRetryDelay(3*time.Second))
	if got := capped.retryBackoff(10); got != 3*time.Second {
		t.Fatalf("capped attempt 10: got %s", got)
	}
	if got := NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(2); got != 0 {
		t.Fatalf("zero base delay: got %s", got)
	}
}

func TestWorker_ProcessOnce_BatchResult(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "ok", AggregateID: "2024-01-10", EventType: domain.EventDayOrdersConfirmed},
			{ID: "bad", AggregateID: "2024-01-11", EventType: domain.EventDayOrdersConfirmed},
		},
	}
	publisher := &stubPublisher{sequenceErrors: []error{nil, errors.New("down"), errors.New("down")}}

	result := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(2)).ProcessOnce(context.Background())

	if result.Sent != 1 || result.Failed != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
}

func TestWorker_ProcessOnce_InterruptedKeepsPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{{ID: "msg-4", AggregateID: "2024-01-12"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	publisher := &stubPublisher{err: errors.New("broker down"), onPublish: cancel}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(time.Hour),
		WithMaxAttempts(3),
	)
	worker.ProcessOnce(ctx)

	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish attempt before cancel, got %d", got)
	}
	if len(repo.failedIDs) != 0 || dlqPublisher.calls() != 0 {
		t.Fatalf("interrupted message must stay pending: failed=%v dlq=%d", repo.failedIDs, dlqPublisher.calls())
	}
}

func TestWorker_PublishToDLQ_UsesClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	dlqPublisher := &stubPublisher{}
	worker := NewWorker(nil, nil, WithDLQPublisher(dlqPublisher), WithClock(func() time.Time { return at }))

	msg := domain.OutboxMessage{ID: "msg-5", AggregateID: "2024-01-10", Payload: []byte(`{}`)}
	if err := worker.publishToDLQ(context.Background(), msg, errors.New("boom")); err != nil {
		t.Fatalf("publishToDLQ: %v", err)
	}

	var record kafka.OutboxDLQRecord
	if err := json.Unmarshal(dlqPublisher.last.Payload, &record); err != nil {
		t.Fatalf("decode dlq record: %v", err)
	}
	if !record.DLQPublishedAt.Equal(at) || record.PublishError != "boom" {
		t.Fatalf("unexpected dlq record: %+v", record)
	}
	if dlqPublisher.last.AggregateID != "2024-01-10" {
		t.Fatalf("dlq message must keep aggregate key, got %q", dlqPublisher.last.AggregateID)
	}
}
