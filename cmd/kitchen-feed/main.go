// Команда kitchen-feed слушает события подтверждения дня и печатает сводку для кухни.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
)

type config struct {
	Brokers    []string `env:"PIE_KAFKA_BROKERS" envSeparator:","`
	Topic      string   `env:"PIE_KAFKA_TOPIC" envDefault:"pie.day_orders.events"`
	DLQTopic   string   `env:"PIE_KAFKA_DLQ_TOPIC" envDefault:"pie.dlq"`
	GroupID    string   `env:"PIE_KITCHEN_GROUP_ID" envDefault:"pie-kitchen-feed"`
	MaxRetries int      `env:"PIE_KITCHEN_MAX_RETRIES" envDefault:"3"`
	FromOldest bool     `env:"PIE_KITCHEN_FROM_OLDEST"`
	LogLevel   string   `env:"PIE_LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config{}, err
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, err
	}

	brokers := cfg.Brokers[:0]
	for _, broker := range cfg.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	cfg.Brokers = brokers
	if len(cfg.Brokers) == 0 {
		return config{}, errors.New("PIE_KAFKA_BROKERS is required")
	}
	return cfg, nil
}

// kitchenHandler превращает событие day_orders.confirmed в строку сводки в логе.
type kitchenHandler struct {
	logger *log.Entry
}

func (h kitchenHandler) handle(_ context.Context, message *sarama.ConsumerMessage) error {
	envelope, err := kafka.ParseEnvelope(message)
	if err != nil {
		return err
	}
	if envelope.EventType != kafka.EventTypeDayOrdersConfirmed {
		h.logger.WithField("event_type", envelope.EventType).Debug("skip event")
		return nil
	}

	event, err := kafka.ParseDayOrdersConfirmed(envelope)
	if err != nil {
		return err
	}

	h.logger.WithFields(log.Fields{
		"date":        event.Date,
		"users":       len(event.Orders),
		"total_price": event.TotalPrice.String(),
		"dishes":      formatDishes(event.Dishes),
	}).Info("заказ дня передан на кухню")
	return nil
}

// formatDishes печатает блюда в алфавитном порядке: "борщ=3, компот=2".
func formatDishes(dishes map[string]int64) string {
	names := make([]string, 0, len(dishes))
	for name := range dishes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strconv.FormatInt(dishes[name], 10))
	}
	return strings.Join(parts, ", ")
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dlq, err := kafka.NewProducer(cfg.Brokers, "pie-kitchen-feed")
	if err != nil {
		log.WithError(err).Fatal("не удалось создать DLQ producer")
	}
	defer func() { _ = dlq.Close() }()

	handler := kitchenHandler{logger: log.WithField("component", "kitchen-feed")}
	consumer, err := kafka.NewConsumer(cfg.Brokers, cfg.GroupID, []string{cfg.Topic}, handler.handle, kafka.ConsumerOptions{
		ClientID:    "pie-kitchen-feed",
		Logger:      log.WithField("component", "kitchen-feed-consumer"),
		DLQProducer: dlq,
		DLQTopic:    cfg.DLQTopic,
		MaxRetries:  cfg.MaxRetries,
		FromOldest:  cfg.FromOldest,
	})
	if err != nil {
		log.WithError(err).Fatal("не удалось создать consumer")
	}
	if err := consumer.Start(ctx); err != nil {
		log.WithError(err).Fatal("не удалось запустить consumer")
	}

	<-ctx.Done()
	if err := consumer.Stop(); err != nil {
		log.WithError(err).Warn("consumer остановлен с ошибкой")
	}
	log.Info("kitchen-feed остановлен")
}
