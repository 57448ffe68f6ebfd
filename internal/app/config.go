package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverMongo    = "mongo"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string `env:"PIE_HTTP_ADDR"`
	MetricsAddr string `env:"PIE_METRICS_ADDR"`
	GRPCAddr    string `env:"PIE_GRPC_ADDR"`

	LogLevel string `env:"PIE_LOG_LEVEL"`
	// TimeZone — опорный часовой пояс дней, IANA-имя.
	TimeZone string `env:"PIE_TIME_ZONE"`

	StorageDriver        string `env:"PIE_STORAGE_DRIVER"`
	PostgresDSN          string `env:"PIE_POSTGRES_DSN"`
	PostgresAutoMigrate  bool   `env:"PIE_POSTGRES_AUTO_MIGRATE"`
	// Ноль означает размер пула по умолчанию.
	PostgresMaxOpenConns int    `env:"PIE_POSTGRES_MAX_OPEN_CONNS"`
	PostgresMaxIdleConns int    `env:"PIE_POSTGRES_MAX_IDLE_CONNS"`
	MongoURI             string `env:"PIE_MONGO_URI"`
	MongoDatabase        string `env:"PIE_MONGO_DATABASE"`

	// KafkaBrokers — список адресов через запятую. Пусто — outbox не публикуется.
	KafkaBrokers  string `env:"PIE_KAFKA_BROKERS"`
	KafkaTopic    string `env:"PIE_KAFKA_TOPIC"`
	KafkaDLQTopic string `env:"PIE_KAFKA_DLQ_TOPIC"`
	KafkaClientID string `env:"PIE_KAFKA_CLIENT_ID"`

	OutboxPollInterval time.Duration `env:"PIE_OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `env:"PIE_OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `env:"PIE_OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `env:"PIE_OUTBOX_RETRY_DELAY"`

	// OutboxRetention — сколько хранить отправленные и failed сообщения outbox.
	OutboxRetention       time.Duration `env:"PIE_OUTBOX_RETENTION"`
	OutboxCleanupInterval time.Duration `env:"PIE_OUTBOX_CLEANUP_INTERVAL"`

	OperationTimeout time.Duration `env:"PIE_OPERATION_TIMEOUT"`
}

// DefaultConfig возвращает конфигурацию для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9090",
		GRPCAddr:              ":50051",
		LogLevel:              "info",
		TimeZone:              "Europe/Moscow",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		MongoDatabase:         "pie",
		KafkaTopic:            "pie.day_orders.events",
		KafkaDLQTopic:         "pie.dlq",
		KafkaClientID:         "pie-service",
		OutboxPollInterval:    time.Second,
		OutboxBatchSize:       100,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      50 * time.Millisecond,
		OutboxRetention:       7 * 24 * time.Hour,
		OutboxCleanupInterval: 10 * time.Minute,
		OperationTimeout:      5 * time.Second,
	}
}

// LoadConfig накладывает переменные окружения PIE_* на DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate отклоняет значения, с которыми сервис не сможет стартовать.
// Пустой StorageDriver трактуется как memory.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case "", StorageDriverMemory, StorageDriverPostgres, StorageDriverMongo:
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"PIE_OUTBOX_POLL_INTERVAL", c.OutboxPollInterval},
		{"PIE_OUTBOX_RETRY_DELAY", c.OutboxRetryDelay},
		{"PIE_OUTBOX_RETENTION", c.OutboxRetention},
		{"PIE_OUTBOX_CLEANUP_INTERVAL", c.OutboxCleanupInterval},
		{"PIE_OPERATION_TIMEOUT", c.OperationTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.value))
		}
	}

	counts := []struct {
		name  string
		value int
	}{
		{"PIE_OUTBOX_BATCH_SIZE", c.OutboxBatchSize},
		{"PIE_OUTBOX_MAX_ATTEMPTS", c.OutboxMaxAttempts},
		{"PIE_POSTGRES_MAX_OPEN_CONNS", c.PostgresMaxOpenConns},
		{"PIE_POSTGRES_MAX_IDLE_CONNS", c.PostgresMaxIdleConns},
	}
	for _, n := range counts {
		if n.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", n.name, n.value))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location загружает опорный часовой пояс.
func (c Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// KafkaBrokerList разбирает KafkaBrokers, отбрасывая пустые элементы.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
