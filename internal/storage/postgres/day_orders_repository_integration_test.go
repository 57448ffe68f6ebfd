package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

var integrationDay = time.Date(2024, 1, 10, domain.CanonicalHour, 0, 0, 0, time.UTC)

func integrationOrder(cost, count int64) domain.Order {
	order := domain.Order{Info: map[string]domain.Dish{
		"борщ": {Cost: decimal.NewFromInt(cost), Count: count},
	}}
	order.Price = order.CalculatePrice()
	return order
}

func TestDayOrdersRepository_PostgresUpsertAndFind(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDayOrderRepository(store)
	ctx := context.Background()

	_, err := repo.FindByDate(ctx, integrationDay)
	require.ErrorIs(t, err, domain.ErrNoOrders)

	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "alice", integrationOrder(5, 2)))
	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "bob", integrationOrder(5, 1)))
	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "alice", integrationOrder(7, 1)))

	record, err := repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	require.True(t, record.Date.Equal(integrationDay))
	require.False(t, record.IsBlocked)
	require.Len(t, record.Orders, 2)
	require.True(t, record.Orders["alice"].Price.Equal(decimal.NewFromInt(7)))
	require.Equal(t, int64(1), record.Orders["bob"].Info["борщ"].Count)
}

func TestDayOrdersRepository_PostgresRemoveAndDeleteIfEmpty(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDayOrderRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "alice", integrationOrder(5, 1)))
	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "bob", integrationOrder(5, 1)))
	record, err := repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)

	_, err = repo.RemoveOrder(ctx, record.ID, "carol")
	require.ErrorIs(t, err, domain.ErrNoUserOrder)

	empty, err := repo.RemoveOrder(ctx, record.ID, "alice")
	require.NoError(t, err)
	require.False(t, empty)

	// Запись не пуста, удаление не выполняется.
	require.NoError(t, repo.DeleteIfEmpty(ctx, record.ID))
	_, err = repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)

	empty, err = repo.RemoveOrder(ctx, record.ID, "bob")
	require.NoError(t, err)
	require.True(t, empty)
	require.NoError(t, repo.DeleteIfEmpty(ctx, record.ID))

	_, err = repo.FindByDate(ctx, integrationDay)
	require.ErrorIs(t, err, domain.ErrNoOrders)

	_, err = repo.RemoveOrder(ctx, record.ID, "bob")
	require.ErrorIs(t, err, domain.ErrNoOrders)
}

func TestDayOrdersRepository_PostgresBlock(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDayOrderRepository(store)
	ctx := context.Background()

	require.ErrorIs(t, repo.Block(ctx, integrationDay), domain.ErrNoOrders)

	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "alice", integrationOrder(5, 1)))
	require.NoError(t, repo.Block(ctx, integrationDay))
	require.ErrorIs(t, repo.Block(ctx, integrationDay), domain.ErrDayOrdersAlreadyBlocked)

	require.ErrorIs(t, repo.UpsertOrder(ctx, integrationDay, "bob", integrationOrder(5, 1)), domain.ErrDayOrdersBlocked)

	record, err := repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)
	require.True(t, record.IsBlocked)
	require.Len(t, record.Orders, 1)

	_, err = repo.RemoveOrder(ctx, record.ID, "alice")
	require.ErrorIs(t, err, domain.ErrDayOrdersBlocked)
}

func TestDayOrdersRepository_PostgresBlockAndEnqueue(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDayOrderRepository(store)
	outbox := NewOutboxRepository(store)
	confirmer, ok := repo.(domain.DayConfirmer)
	require.True(t, ok)
	ctx := context.Background()

	build := func(record domain.DayOrders) (domain.OutboxMessage, error) {
		if !record.IsBlocked || len(record.Orders) != 1 {
			return domain.OutboxMessage{}, fmt.Errorf("unexpected record: %+v", record)
		}
		return domain.OutboxMessage{
			AggregateType: domain.AggregateDayOrders,
			AggregateID:   "2024-01-10",
			EventType:     domain.EventDayOrdersConfirmed,
			Payload:       []byte(`{"date":"2024-01-10"}`),
		}, nil
	}

	_, err := confirmer.BlockAndEnqueue(ctx, integrationDay, build)
	require.ErrorIs(t, err, domain.ErrNoOrders)

	require.NoError(t, repo.UpsertOrder(ctx, integrationDay, "alice", integrationOrder(5, 1)))

	// ошибка сборки события откатывает блокировку
	_, err = confirmer.BlockAndEnqueue(ctx, integrationDay, func(domain.DayOrders) (domain.OutboxMessage, error) {
		return domain.OutboxMessage{}, fmt.Errorf("marshal failed")
	})
	require.Error(t, err)
	record, err := repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)
	require.False(t, record.IsBlocked)

	msg, err := confirmer.BlockAndEnqueue(ctx, integrationDay, build)
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	pending, err := outbox.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, msg.ID, pending[0].ID)
	require.JSONEq(t, `{"date":"2024-01-10"}`, string(pending[0].Payload))

	_, err = confirmer.BlockAndEnqueue(ctx, integrationDay, build)
	require.ErrorIs(t, err, domain.ErrDayOrdersAlreadyBlocked)

	pending, err = outbox.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDayOrdersRepository_PostgresConcurrentUpserts(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDayOrderRepository(store)
	ctx := context.Background()

	const users = 16
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.UpsertOrder(ctx, integrationDay, fmt.Sprintf("user-%d", i), integrationOrder(5, 1))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	record, err := repo.FindByDate(ctx, integrationDay)
	require.NoError(t, err)
	require.Len(t, record.Orders, users)
}
