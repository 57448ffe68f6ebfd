package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

// dayOrdersRepositoryInMemory — in-memory реализация DayOrderRepository.
// Ключ — канонический момент дня в Unix-секундах.
type dayOrdersRepositoryInMemory struct {
	mu   sync.RWMutex
	days map[int64]*domain.DayOrders
	ids  map[string]int64
}

// NewDayOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewDayOrderRepository() domain.DayOrderRepository {
	return &dayOrdersRepositoryInMemory{
		days: make(map[int64]*domain.DayOrders),
		ids:  make(map[string]int64),
	}
}

func (r *dayOrdersRepositoryInMemory) FindByDate(_ context.Context, day time.Time) (domain.DayOrders, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.days[day.Unix()]
	if !ok {
		return domain.DayOrders{}, domain.ErrNoOrders
	}
	// Отдаём копию, чтобы вызывающий код не мутировал состояние репозитория.
	return record.Clone(), nil
}

func (r *dayOrdersRepositoryInMemory) UpsertOrder(_ context.Context, day time.Time, username string, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	order = order.Clone()
	order.Date = time.Time{}

	record, ok := r.days[day.Unix()]
	if !ok {
		record = &domain.DayOrders{
			ID:        uuid.NewString(),
			Date:      day,
			Orders:    map[string]domain.Order{username: order},
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.days[day.Unix()] = record
		r.ids[record.ID] = day.Unix()
		return nil
	}
	if record.IsBlocked {
		return domain.ErrDayOrdersBlocked
	}

	record.Orders[username] = order
	record.UpdatedAt = now
	return nil
}

func (r *dayOrdersRepositoryInMemory) RemoveOrder(_ context.Context, id, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byID(id)
	if !ok {
		return false, domain.ErrNoOrders
	}
	if record.IsBlocked {
		return false, domain.ErrDayOrdersBlocked
	}
	if _, ok := record.Orders[username]; !ok {
		return false, domain.ErrNoUserOrder
	}

	delete(record.Orders, username)
	record.UpdatedAt = time.Now().UTC()
	return len(record.Orders) == 0, nil
}

func (r *dayOrdersRepositoryInMemory) DeleteIfEmpty(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byID(id)
	if !ok || len(record.Orders) > 0 {
		return nil
	}
	delete(r.days, r.ids[id])
	delete(r.ids, id)
	return nil
}

func (r *dayOrdersRepositoryInMemory) Block(_ context.Context, day time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.days[day.Unix()]
	if !ok {
		return domain.ErrNoOrders
	}
	if record.IsBlocked {
		return domain.ErrDayOrdersAlreadyBlocked
	}
	record.IsBlocked = true
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// Len возвращает число хранимых записей дней (используется в тестах).
func (r *dayOrdersRepositoryInMemory) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.days)
}

func (r *dayOrdersRepositoryInMemory) byID(id string) (*domain.DayOrders, bool) {
	key, ok := r.ids[id]
	if !ok {
		return nil, false
	}
	record, ok := r.days[key]
	return record, ok
}

var _ domain.DayOrderRepository = (*dayOrdersRepositoryInMemory)(nil)
