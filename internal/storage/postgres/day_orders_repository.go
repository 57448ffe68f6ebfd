package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

const opTimeout = 5 * time.Second

// dishRow и orderRow — JSON-представление заказа внутри колонки orders.
type dishRow struct {
	Cost  decimal.Decimal `json:"cost"`
	Count int64           `json:"count"`
}

type orderRow struct {
	Info  map[string]dishRow `json:"info"`
	Price decimal.Decimal    `json:"price"`
}

type dayOrdersRepository struct {
	db *sql.DB
}

var _ domain.DayConfirmer = (*dayOrdersRepository)(nil)

// NewDayOrderRepository создаёт PostgreSQL-реализацию DayOrderRepository.
// Она же реализует domain.DayConfirmer.
func NewDayOrderRepository(store *Store) domain.DayOrderRepository {
	return &dayOrdersRepository{db: store.DB()}
}

func (r *dayOrdersRepository) FindByDate(ctx context.Context, day time.Time) (domain.DayOrders, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record domain.DayOrders
		raw    []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, day, orders, is_blocked, created_at, updated_at
		FROM day_orders
		WHERE day = $1
	`, day.UTC()).Scan(
		&record.ID, &record.Date, &raw, &record.IsBlocked, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DayOrders{}, domain.ErrNoOrders
		}
		return domain.DayOrders{}, fmt.Errorf("select day orders: %w", err)
	}

	orders, err := decodeOrders(raw)
	if err != nil {
		return domain.DayOrders{}, err
	}
	record.Orders = orders
	record.Date = record.Date.In(day.Location())

	return record, nil
}

func (r *dayOrdersRepository) UpsertOrder(ctx context.Context, day time.Time, username string, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := encodeOrder(order)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO day_orders (id, day, orders, is_blocked, created_at, updated_at)
		VALUES ($1, $2, jsonb_build_object($3::text, $4::jsonb), FALSE, $5, $5)
		ON CONFLICT (day) DO UPDATE
		SET orders = day_orders.orders || jsonb_build_object($3::text, $4::jsonb),
		    updated_at = $5
		WHERE NOT day_orders.is_blocked
	`, uuid.NewString(), day.UTC(), username, string(payload), now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("upsert day orders: concurrent insert: %w", err)
		}
		return fmt.Errorf("upsert day orders: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for upsert: %w", err)
	}
	// Конфликт по day и условие WHERE не выполнено: запись заблокирована.
	if affected == 0 {
		return domain.ErrDayOrdersBlocked
	}

	return nil
}

func (r *dayOrdersRepository) RemoveOrder(ctx context.Context, id, username string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var empty bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE day_orders
		SET orders = orders - $2::text,
		    updated_at = $3
		WHERE id = $1
		  AND NOT is_blocked
		  AND (orders -> $2::text) IS NOT NULL
		RETURNING orders = '{}'::jsonb
	`, id, username, time.Now().UTC()).Scan(&empty)
	if err == nil {
		return empty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("remove user order: %w", err)
	}

	return false, r.diagnoseRemove(ctx, id, username)
}

// diagnoseRemove выясняет, почему условное удаление не затронуло ни одной строки.
func (r *dayOrdersRepository) diagnoseRemove(ctx context.Context, id, username string) error {
	var blocked, hasOrder bool
	err := r.db.QueryRowContext(ctx, `
		SELECT is_blocked, (orders -> $2::text) IS NOT NULL
		FROM day_orders
		WHERE id = $1
	`, id, username).Scan(&blocked, &hasOrder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNoOrders
	case err != nil:
		return fmt.Errorf("inspect day orders: %w", err)
	case blocked:
		return domain.ErrDayOrdersBlocked
	case !hasOrder:
		return domain.ErrNoUserOrder
	default:
		return fmt.Errorf("remove user order: record %s changed concurrently", id)
	}
}

func (r *dayOrdersRepository) DeleteIfEmpty(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM day_orders
		WHERE id = $1 AND orders = '{}'::jsonb
	`, id); err != nil {
		return fmt.Errorf("delete empty day orders: %w", err)
	}
	return nil
}

const blockDayOrdersSQL = `
	UPDATE day_orders
	SET is_blocked = TRUE,
	    updated_at = $2
	WHERE day = $1 AND NOT is_blocked
	RETURNING id, day, orders, is_blocked, created_at, updated_at`

// rowQuerier — общее у *sql.DB и *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *dayOrdersRepository) Block(ctx context.Context, day time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := blockDay(ctx, r.db, day)
	return err
}

// BlockAndEnqueue блокирует день и вставляет сообщение outbox в одной транзакции.
func (r *dayOrdersRepository) BlockAndEnqueue(
	ctx context.Context,
	day time.Time,
	build func(domain.DayOrders) (domain.OutboxMessage, error),
) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("begin confirm tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := blockDay(ctx, tx, day)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	msg, err := build(record)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, insertOutboxSQL,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, record.UpdatedAt,
	); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("commit confirm tx: %w", err)
	}
	return msg, nil
}

// blockDay выполняет условный UPDATE и возвращает заблокированную запись.
func blockDay(ctx context.Context, q rowQuerier, day time.Time) (domain.DayOrders, error) {
	var (
		record domain.DayOrders
		raw    []byte
	)
	err := q.QueryRowContext(ctx, blockDayOrdersSQL, day.UTC(), time.Now().UTC()).Scan(
		&record.ID, &record.Date, &raw, &record.IsBlocked, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DayOrders{}, diagnoseBlock(ctx, q, day)
	}
	if err != nil {
		return domain.DayOrders{}, fmt.Errorf("block day orders: %w", err)
	}

	if record.Orders, err = decodeOrders(raw); err != nil {
		return domain.DayOrders{}, err
	}
	record.Date = record.Date.In(day.Location())
	return record, nil
}

func diagnoseBlock(ctx context.Context, q rowQuerier, day time.Time) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM day_orders WHERE day = $1)
	`, day.UTC()).Scan(&exists); err != nil {
		return fmt.Errorf("check day orders existence: %w", err)
	}
	if !exists {
		return domain.ErrNoOrders
	}
	return domain.ErrDayOrdersAlreadyBlocked
}

func encodeOrder(order domain.Order) ([]byte, error) {
	row := orderRow{
		Info:  make(map[string]dishRow, len(order.Info)),
		Price: order.Price,
	}
	for name, dish := range order.Info {
		row.Info[name] = dishRow{Cost: dish.Cost, Count: dish.Count}
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	return payload, nil
}

func decodeOrders(raw []byte) (map[string]domain.Order, error) {
	var rows map[string]orderRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal day orders: %w", err)
	}

	orders := make(map[string]domain.Order, len(rows))
	for username, row := range rows {
		info := make(map[string]domain.Dish, len(row.Info))
		for name, dish := range row.Info {
			info[name] = domain.Dish{Cost: dish.Cost, Count: dish.Count}
		}
		orders[username] = domain.Order{Info: info, Price: row.Price}
	}
	return orders, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.DayOrderRepository = (*dayOrdersRepository)(nil)
