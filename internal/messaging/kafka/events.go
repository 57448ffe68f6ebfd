package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	// EventTypeDayOrdersConfirmed — администратор подтвердил и заблокировал заказы дня.
	EventTypeDayOrdersConfirmed EventType = domain.EventDayOrdersConfirmed
)

// Topics для Kafka
const (
	TopicDayOrdersEvents = "pie.day_orders.events"
	TopicDeadLetterQueue = "pie.dlq" // Dead Letter Queue для failed messages
)

// HeaderEventType дублирует тип события в заголовке сообщения.
const HeaderEventType = "x-event-type"

// Envelope — формат сообщения, которое outbox публикует в Kafka.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DishPayload — блюдо в составе события.
type DishPayload struct {
	Cost  decimal.Decimal `json:"cost"`
	Count int64           `json:"count"`
}

// UserOrderPayload — заказ пользователя в составе события.
type UserOrderPayload struct {
	Price  decimal.Decimal        `json:"price"`
	Dishes map[string]DishPayload `json:"dishes"`
}

// DayOrdersConfirmedEvent — сводка дня для кухни.
type DayOrdersConfirmedEvent struct {
	EventType   EventType                   `json:"event_type"`
	Date        string                      `json:"date"`
	TotalPrice  decimal.Decimal             `json:"total_price"`
	Dishes      map[string]int64            `json:"dishes"`
	Orders      map[string]UserOrderPayload `json:"orders"`
	ConfirmedAt time.Time                   `json:"confirmed_at"`
}

// NewDayOrdersConfirmedEvent собирает событие из записи дня и её агрегата.
func NewDayOrdersConfirmedEvent(dayKey string, record domain.DayOrders, total domain.Total, confirmedAt time.Time) *DayOrdersConfirmedEvent {
	orders := make(map[string]UserOrderPayload, len(record.Orders))
	for username, order := range record.Orders {
		dishes := make(map[string]DishPayload, len(order.Info))
		for name, dish := range order.Info {
			dishes[name] = DishPayload{Cost: dish.Cost, Count: dish.Count}
		}
		orders[username] = UserOrderPayload{Price: order.Price, Dishes: dishes}
	}

	return &DayOrdersConfirmedEvent{
		EventType:   EventTypeDayOrdersConfirmed,
		Date:        dayKey,
		TotalPrice:  total.Price,
		Dishes:      total.Dishes,
		Orders:      orders,
		ConfirmedAt: confirmedAt.UTC(),
	}
}

// ParseEnvelope разбирает outbox-конверт из сообщения Kafka
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &envelope, nil
}

// ParseDayOrdersConfirmed извлекает DayOrdersConfirmedEvent из конверта
func ParseDayOrdersConfirmed(envelope *Envelope) (*DayOrdersConfirmedEvent, error) {
	if envelope.EventType != EventTypeDayOrdersConfirmed {
		return nil, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}
	var event DayOrdersConfirmedEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal day orders confirmed event: %w", err)
	}
	return &event, nil
}
