package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/pie/internal/health"
	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/storage/memory"
	"github.com/vladislavdragonenkov/pie/internal/storage/mongodb"
	"github.com/vladislavdragonenkov/pie/internal/storage/postgres"
)

const storageCloseTimeout = 5 * time.Second

// runtimeDependencies — хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	repo       domain.DayOrderRepository
	outboxRepo domain.OutboxRepository
	checkers   map[string]healthcheck.Checker
	closeFn    func()
}

func (d *runtimeDependencies) close() {
	if d != nil && d.closeFn != nil {
		d.closeFn()
	}
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		logger.Info("используется in-memory хранилище")
		return &runtimeDependencies{
			repo:       memory.NewDayOrderRepository(),
			outboxRepo: memory.NewOutboxRepository(),
			checkers:   map[string]healthcheck.Checker{},
		}, nil
	case StorageDriverPostgres:
		return initPostgres(ctx, cfg, logger)
	case StorageDriverMongo:
		return initMongo(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres storage requires PIE_POSTGRES_DSN")
	}

	store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, postgres.PoolConfig{
		MaxOpenConns: cfg.PostgresMaxOpenConns,
		MaxIdleConns: cfg.PostgresMaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres миграции применены")
	}

	logger.Info("используется postgres хранилище")
	return &runtimeDependencies{
		repo:       postgres.NewDayOrderRepository(store),
		outboxRepo: postgres.NewOutboxRepository(store),
		checkers: map[string]healthcheck.Checker{
			"postgres": healthcheck.NewCriticalChecker("postgres", store.Ping),
		},
		closeFn: func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("failed to close postgres")
			}
		},
	}, nil
}

func initMongo(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("mongo storage requires PIE_MONGO_URI")
	}

	store, err := mongodb.Open(ctx, mongodb.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("open mongo: %w", err)
	}
	closeStore := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), storageCloseTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("failed to close mongo")
		}
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		closeStore()
		return nil, fmt.Errorf("ensure mongo indexes: %w", err)
	}

	logger.WithField("database", cfg.MongoDatabase).Info("используется mongo хранилище")
	return &runtimeDependencies{
		repo:       mongodb.NewDayOrderRepository(store),
		outboxRepo: mongodb.NewOutboxRepository(store),
		checkers: map[string]healthcheck.Checker{
			"mongo": healthcheck.NewCriticalChecker("mongo", store.Ping),
		},
		closeFn: closeStore,
	}, nil
}
