package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

func TestOutboxRepository_MongoFlow(t *testing.T) {
	store := openMongoStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateDayOrders,
		AggregateID:   "2024-01-10",
		EventType:     domain.EventDayOrdersConfirmed,
		Payload:       []byte(`{"date":"2024-01-10"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.JSONEq(t, `{"date":"2024-01-10"}`, string(pending[0].Payload))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
	require.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestOutboxRepository_MongoPurgeProcessed(t *testing.T) {
	store := openMongoStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	for _, day := range []string{"2024-01-10", "2024-01-11", "2024-01-12"} {
		saved, err := repo.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateDayOrders,
			AggregateID:   day,
			EventType:     domain.EventDayOrdersConfirmed,
			Payload:       []byte(`{"date":"` + day + `"}`),
		})
		require.NoError(t, err)
		if day != "2024-01-12" {
			require.NoError(t, repo.MarkFailed(ctx, saved.ID))
		}
	}

	deleted, err := repo.PurgeProcessed(ctx, time.Now().UTC().Add(time.Second), 1)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	deleted, err = repo.PurgeProcessed(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
}
