package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
)

const defaultOperationTimeout = 5 * time.Second

// Названия операций для логов и метрик.
const (
	opUploadOrder   = "upload_order"
	opDeleteOrder   = "delete_order"
	opDayOrders     = "day_orders"
	opUserOrder     = "user_order"
	opOrderPrice    = "order_price"
	opOrdersForWeek = "orders_for_week"
	opTotal         = "total"
	opConfirm       = "confirm_day_orders"
	opIsBlocked     = "is_day_orders_blocked"
)

// Option настраивает Store.
type Option func(*Store)

// WithOutbox включает публикацию события day_orders.confirmed при подтверждении дня.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(s *Store) {
		s.outbox = outbox
	}
}

// WithMetrics задаёт метрики операций.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOperationTimeout ограничивает каждое обращение к хранилищу.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.opTimeout = timeout
		}
	}
}

// Store — точка входа для приёма и администрирования заказов на день.
// Собственных блокировок нет: атомарность обеспечивают условные записи хранилища.
type Store struct {
	repo      domain.DayOrderRepository
	outbox    domain.OutboxRepository
	calendar  domain.Calendar
	metrics   *metrics.OrderMetrics
	logger    *log.Entry
	opTimeout time.Duration
}

// NewStore создаёт Store поверх репозитория и календаря.
func NewStore(repo domain.DayOrderRepository, calendar domain.Calendar, options ...Option) *Store {
	s := &Store{
		repo:      repo,
		calendar:  calendar,
		logger:    log.WithField("component", "day-order-store"),
		opTimeout: defaultOperationTimeout,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Calendar возвращает календарь, по которому Store считает окно редактирования.
func (s *Store) Calendar() domain.Calendar {
	return s.calendar
}

// UploadOrder создаёт или перезаписывает заказ пользователя на дату.
func (s *Store) UploadOrder(ctx context.Context, date time.Time, username string, order domain.Order) (err error) {
	defer s.observe(opUploadOrder, time.Now(), &err)

	day := s.calendar.Canonical(date)
	if !s.calendar.Editable(day) {
		return domain.ErrTimeWindow
	}
	if err := domain.ValidateUsername(username); err != nil {
		return err
	}
	if err := order.Validate(); err != nil {
		return err
	}

	stored := order.Clone()
	stored.Price = stored.CalculatePrice()
	stored.Date = time.Time{}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.repo.UpsertOrder(ctx, day, username, stored); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{
		"date":     s.calendar.DayKey(day),
		"username": username,
		"price":    stored.Price.String(),
	}).Info("order uploaded")
	return nil
}

// DeleteOrder удаляет заказ пользователя. Опустевшая запись дня удаляется целиком.
func (s *Store) DeleteOrder(ctx context.Context, date time.Time, username string) (err error) {
	defer s.observe(opDeleteOrder, time.Now(), &err)

	day := s.calendar.Canonical(date)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	record, err := s.repo.FindByDate(ctx, day)
	if err != nil {
		return err
	}
	if _, ok := record.Orders[username]; !ok {
		return domain.ErrNoUserOrder
	}
	if !s.calendar.Editable(day) {
		return domain.ErrTimeWindow
	}
	if record.IsBlocked {
		return domain.ErrDayOrdersBlocked
	}

	empty, err := s.repo.RemoveOrder(ctx, record.ID, username)
	if err != nil {
		return err
	}
	if empty {
		if err := s.repo.DeleteIfEmpty(ctx, record.ID); err != nil {
			return fmt.Errorf("delete empty day record: %w", err)
		}
	}

	s.logger.WithFields(log.Fields{
		"date":          s.calendar.DayKey(day),
		"username":      username,
		"record_purged": empty,
	}).Info("order deleted")
	return nil
}

// DayOrders возвращает все заказы дня.
func (s *Store) DayOrders(ctx context.Context, date time.Time) (orders map[string]domain.Order, err error) {
	defer s.observe(opDayOrders, time.Now(), &err)

	record, err := s.find(ctx, date)
	if err != nil {
		return nil, err
	}
	return record.Orders, nil
}

// UserOrder возвращает заказ пользователя с проставленной датой запроса.
func (s *Store) UserOrder(ctx context.Context, date time.Time, username string) (order domain.Order, err error) {
	defer s.observe(opUserOrder, time.Now(), &err)
	return s.userOrder(ctx, date, username)
}

// OrderPrice возвращает сохранённую стоимость заказа пользователя.
func (s *Store) OrderPrice(ctx context.Context, date time.Time, username string) (price decimal.Decimal, err error) {
	defer s.observe(opOrderPrice, time.Now(), &err)

	order, err := s.userOrder(ctx, date, username)
	if err != nil {
		return decimal.Zero, err
	}
	return order.Price, nil
}

// OrdersForWeek параллельно читает заказы пользователя на каждую дату.
// Порядок результата совпадает с порядком dates; первая ошибка отменяет остальные чтения.
func (s *Store) OrdersForWeek(ctx context.Context, dates []time.Time, username string) (result []domain.Order, err error) {
	defer s.observe(opOrdersForWeek, time.Now(), &err)

	result = make([]domain.Order, len(dates))
	g, gctx := errgroup.WithContext(ctx)
	for i, date := range dates {
		g.Go(func() error {
			order, err := s.userOrder(gctx, date, username)
			if err != nil {
				return fmt.Errorf("%s: %w", s.calendar.DayKey(date), err)
			}
			result[i] = order
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Total агрегирует заказы дня.
func (s *Store) Total(ctx context.Context, date time.Time) (total domain.Total, err error) {
	defer s.observe(opTotal, time.Now(), &err)

	record, err := s.find(ctx, date)
	if err != nil {
		return domain.Total{}, err
	}
	return domain.SumTotal(record.Orders), nil
}

// ConfirmDayOrders блокирует день и ставит в outbox событие для кухни.
// Если хранилище реализует domain.DayConfirmer, блокировка и событие пишутся
// одной транзакцией, и ошибка outbox отменяет подтверждение.
// Иначе это две записи: ошибка outbox не отменяет блокировку.
func (s *Store) ConfirmDayOrders(ctx context.Context, date time.Time) (err error) {
	defer s.observe(opConfirm, time.Now(), &err)

	day := s.calendar.Canonical(date)
	dayKey := s.calendar.DayKey(day)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if confirmer, ok := s.repo.(domain.DayConfirmer); ok && s.outbox != nil {
		msg, err := confirmer.BlockAndEnqueue(ctx, day, func(record domain.DayOrders) (domain.OutboxMessage, error) {
			return confirmedMessage(dayKey, record)
		})
		if err != nil {
			return err
		}
		s.confirmed(dayKey, msg.ID)
		return nil
	}

	if err := s.repo.Block(ctx, day); err != nil {
		return err
	}
	if s.outbox == nil {
		s.confirmed(dayKey, "")
		return nil
	}

	msg, enqueueErr := s.enqueueConfirmed(ctx, day, dayKey)
	if enqueueErr != nil {
		s.metrics.RecordOutboxEnqueueFailure()
		s.logger.WithError(enqueueErr).WithField("date", dayKey).Error("failed to enqueue day confirmation event")
	}
	s.confirmed(dayKey, msg.ID)
	return nil
}

func (s *Store) confirmed(dayKey, outboxID string) {
	s.metrics.RecordDayConfirmed()
	entry := s.logger.WithField("date", dayKey)
	if outboxID != "" {
		entry = entry.WithField("outbox_id", outboxID)
	}
	entry.Info("day orders confirmed")
}

// IsDayOrdersBlocked сообщает, заблокирован ли день. Нулевая дата означает сегодня.
func (s *Store) IsDayOrdersBlocked(ctx context.Context, date time.Time) (blocked bool, err error) {
	defer s.observe(opIsBlocked, time.Now(), &err)

	record, err := s.find(ctx, date)
	if err != nil {
		return false, err
	}
	return record.IsBlocked, nil
}

func (s *Store) enqueueConfirmed(ctx context.Context, day time.Time, dayKey string) (domain.OutboxMessage, error) {
	record, err := s.repo.FindByDate(ctx, day)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("load confirmed day: %w", err)
	}

	msg, err := confirmedMessage(dayKey, record)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return s.outbox.Enqueue(ctx, msg)
}

// confirmedMessage собирает сообщение outbox day_orders.confirmed по заблокированной записи.
func confirmedMessage(dayKey string, record domain.DayOrders) (domain.OutboxMessage, error) {
	event := kafka.NewDayOrdersConfirmedEvent(dayKey, record, domain.SumTotal(record.Orders), time.Now().UTC())
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal confirmation event: %w", err)
	}

	return domain.OutboxMessage{
		AggregateType: domain.AggregateDayOrders,
		AggregateID:   dayKey,
		EventType:     domain.EventDayOrdersConfirmed,
		Payload:       payload,
	}, nil
}

func (s *Store) userOrder(ctx context.Context, date time.Time, username string) (domain.Order, error) {
	record, err := s.find(ctx, date)
	if err != nil {
		return domain.Order{}, err
	}
	order, ok := record.Orders[username]
	if !ok {
		return domain.Order{}, domain.ErrNoUserOrder
	}
	order.Date = s.calendar.Canonical(date)
	return order, nil
}

func (s *Store) find(ctx context.Context, date time.Time) (domain.DayOrders, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repo.FindByDate(ctx, s.calendar.Canonical(date))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) observe(operation string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	s.metrics.ObserveOperation(operation, domain.ErrorCode(err), time.Since(start))

	if err != nil && domain.ErrorCode(err) == "internal" && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).WithField("operation", operation).Error("operation failed")
	}
}
