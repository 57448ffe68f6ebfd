package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// PurgeProcessed удаляет до limit сообщений в статусах sent и failed,
	// обновлённых не позже before. Возвращает число удалённых.
	PurgeProcessed(ctx context.Context, before time.Time, limit int) (int, error)
}

const (
	// AggregateDayOrders — тип агрегата для событий записи дня.
	AggregateDayOrders = "day_orders"
	// EventDayOrdersConfirmed — день подтверждён и заблокирован администратором.
	EventDayOrdersConfirmed = "day_orders.confirmed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
