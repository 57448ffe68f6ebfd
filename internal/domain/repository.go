package domain

import (
	"context"
	"time"
)

// DayOrderRepository описывает требования к хранилищу записей дней.
// Все изменения заказов выполняются атомарно на уровне поля orders[username],
// без read-modify-write на стороне приложения.
type DayOrderRepository interface {
	// FindByDate возвращает запись канонической даты или ErrNoOrders.
	FindByDate(ctx context.Context, day time.Time) (DayOrders, error)
	// UpsertOrder создаёт запись дня или выставляет orders[username].
	// Возвращает ErrDayOrdersBlocked, если день заблокирован.
	UpsertOrder(ctx context.Context, day time.Time, username string, order Order) error
	// RemoveOrder удаляет orders[username] и сообщает, опустела ли запись.
	// Ошибки: ErrNoOrders, ErrNoUserOrder, ErrDayOrdersBlocked.
	RemoveOrder(ctx context.Context, id, username string) (empty bool, err error)
	// DeleteIfEmpty удаляет запись, только если в ней не осталось заказов.
	DeleteIfEmpty(ctx context.Context, id string) error
	// Block переводит isBlocked false -> true.
	// Ошибки: ErrNoOrders, ErrDayOrdersAlreadyBlocked.
	Block(ctx context.Context, day time.Time) error
}

// DayConfirmer реализуется хранилищем, которое держит записи дней и outbox
// в одной базе и может подтвердить день одной транзакцией.
type DayConfirmer interface {
	// BlockAndEnqueue переводит isBlocked false -> true и в той же транзакции
	// записывает в outbox сообщение, построенное build по заблокированной записи.
	// Ошибки как у Block; ошибка build или вставки откатывает блокировку.
	BlockAndEnqueue(ctx context.Context, day time.Time, build func(DayOrders) (OutboxMessage, error)) (OutboxMessage, error)
}
