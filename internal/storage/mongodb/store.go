package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultConnTimeout = 5 * time.Second
	opTimeout          = 5 * time.Second

	dayOrdersCollection = "day_orders"
	outboxCollection    = "outbox_messages"
)

// Config описывает подключение к MongoDB.
type Config struct {
	URI         string
	Database    string
	ConnTimeout time.Duration
}

// Store оборачивает клиент MongoDB и выбранную базу.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open подключается к MongoDB и проверяет доступность сервера.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}
	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Store{client: client, db: client.Database(cfg.Database)}, nil
}

// Database возвращает используемую базу.
func (s *Store) Database() *mongo.Database {
	return s.db
}

// Ping проверяет доступность сервера.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("mongo store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.client.Ping(pingCtx, nil)
}

// EnsureIndexes создаёт индексы коллекций. Уникальный индекс по date гарантирует одну запись на день.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("mongo store is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.Collection(dayOrdersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("day_orders_date_unique"),
	}); err != nil {
		return fmt.Errorf("create day_orders date index: %w", err)
	}

	if _, err := s.db.Collection(outboxCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("outbox_messages_pending"),
	}); err != nil {
		return fmt.Errorf("create outbox index: %w", err)
	}

	return nil
}

// Close отключает клиент.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
