package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
)

func confirmedMessage(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()

	order := domain.Order{Info: map[string]domain.Dish{
		"компот": {Cost: decimal.NewFromInt(50), Count: 2},
		"борщ":   {Cost: decimal.RequireFromString("150.50"), Count: 1},
	}}
	order.Price = order.CalculatePrice()
	record := domain.DayOrders{Orders: map[string]domain.Order{"alice": order}}

	event := kafka.NewDayOrdersConfirmedEvent("2024-01-10", record, domain.SumTotal(record.Orders), time.Now())
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	value, err := json.Marshal(kafka.Envelope{
		ID:          "evt-1",
		AggregateID: "2024-01-10",
		EventType:   kafka.EventTypeDayOrdersConfirmed,
		Payload:     payload,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDayOrdersEvents, Value: value}
}

func newTestHandler() (kitchenHandler, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return kitchenHandler{logger: log.NewEntry(logger)}, hook
}

func TestKitchenHandler_LogsSummary(t *testing.T) {
	handler, hook := newTestHandler()

	require.NoError(t, handler.handle(context.Background(), confirmedMessage(t)))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "2024-01-10", entry.Data["date"])
	assert.Equal(t, 1, entry.Data["users"])
	assert.Equal(t, "250.5", entry.Data["total_price"])
	assert.Equal(t, "борщ=1, компот=2", entry.Data["dishes"])
}

func TestKitchenHandler_SkipsOtherEvents(t *testing.T) {
	handler, hook := newTestHandler()

	value, err := json.Marshal(kafka.Envelope{ID: "evt-2", EventType: "day_orders.reopened", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, handler.handle(context.Background(), &sarama.ConsumerMessage{Value: value}))
	assert.Empty(t, hook.AllEntries())
}

func TestKitchenHandler_InvalidMessage(t *testing.T) {
	handler, _ := newTestHandler()

	err := handler.handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not-json")})
	require.Error(t, err)
}

func TestFormatDishes(t *testing.T) {
	assert.Equal(t, "", formatDishes(nil))
	assert.Equal(t, "a=1, b=20", formatDishes(map[string]int64{"b": 20, "a": 1}))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PIE_KAFKA_BROKERS", "b1:9092, ,b2:9092")
	t.Setenv("PIE_KITCHEN_MAX_RETRIES", "5")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Brokers)
	assert.Equal(t, kafka.TopicDayOrdersEvents, cfg.Topic)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestLoadConfig_RequiresBrokers(t *testing.T) {
	t.Setenv("PIE_KAFKA_BROKERS", "")

	_, err := loadConfig()
	require.ErrorContains(t, err, "PIE_KAFKA_BROKERS")
}
