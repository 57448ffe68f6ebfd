package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/pie/internal/health"
	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
	"github.com/vladislavdragonenkov/pie/internal/service/orders"
	"github.com/vladislavdragonenkov/pie/internal/service/outbox"
	"github.com/vladislavdragonenkov/pie/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/pie/internal/version"
)

const (
	shutdownTimeout        = 5 * time.Second
	readHeaderTimeout      = 5 * time.Second
	grpcHealthSyncInterval = 10 * time.Second
)

// Run поднимает HTTP API, сервер метрик и gRPC health, затем ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	calendar := domain.NewCalendar(loc, nil)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	// Kafka опциональна: при ошибке подключения сервис работает без публикации outbox.
	producer, _ := initKafkaProducer(cfg.KafkaBrokerList(), cfg.KafkaClientID, logger)
	defer closeKafka(producer, logger)

	orderMetrics := metrics.NewOrderMetrics()
	storeOptions := []orders.Option{
		orders.WithMetrics(orderMetrics),
		orders.WithLogger(log.WithField("component", "day-order-store")),
		orders.WithOperationTimeout(cfg.OperationTimeout),
	}
	outboxMetrics := metrics.NewOutboxMetrics()
	// Без брокера in-memory outbox только копил бы сообщения.
	outboxEnabled := producer != nil || cfg.StorageDriver != StorageDriverMemory
	if outboxEnabled {
		storeOptions = append(storeOptions, orders.WithOutbox(deps.outboxRepo))
	}
	store := orders.NewStore(deps.repo, calendar, storeOptions...)

	stopWorker := startOutboxWorker(ctx, cfg, deps.outboxRepo, producer, outboxMetrics, logger)
	defer stopWorker()

	if outboxEnabled {
		stopCleanup := startOutboxCleanup(ctx, cfg, deps.outboxRepo, outboxMetrics, logger)
		defer stopCleanup()
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	api := httpapi.NewHandler(store, orderMetrics, log.WithField("component", "http-api"))
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	grpcServer, healthServer := newGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen grpc: %w", err)
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go healthHandler.SyncGRPC(syncCtx, healthServer, grpcHealthSyncInterval)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC health сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)

		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer собирает gRPC-сервер со стандартным health-сервисом и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// startOutboxWorker запускает публикацию outbox в Kafka.
// Возвращает функцию, которая останавливает воркер и ждёт его завершения.
func startOutboxWorker(
	ctx context.Context,
	cfg Config,
	repo domain.OutboxRepository,
	producer *kafka.Producer,
	outboxMetrics *metrics.OutboxMetrics,
	logger *log.Entry,
) func() {
	if producer == nil || repo == nil {
		logger.Info("kafka не настроен, outbox worker не запущен")
		return func() {}
	}

	worker := outbox.NewWorker(
		repo,
		kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithLogger(log.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(workerCtx)
	}()
	logger.WithField("topic", cfg.KafkaTopic).Info("outbox worker запущен")

	return func() {
		cancel()
		wg.Wait()
	}
}

// startOutboxCleanup запускает удаление обработанных сообщений outbox старше cfg.OutboxRetention.
func startOutboxCleanup(
	ctx context.Context,
	cfg Config,
	repo domain.OutboxRepository,
	outboxMetrics *metrics.OutboxMetrics,
	logger *log.Entry,
) func() {
	if repo == nil {
		return func() {}
	}

	worker := outbox.NewCleanupWorker(
		repo,
		outbox.WithCleanupLogger(log.WithField("component", "outbox-cleanup-worker")),
		outbox.WithCleanupMetrics(outboxMetrics),
		outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
		outbox.WithCleanupBatchSize(cfg.OutboxBatchSize),
		outbox.WithRetention(cfg.OutboxRetention),
	)

	cleanupCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(cleanupCtx)
	}()
	logger.WithField("retention", cfg.OutboxRetention.String()).Info("outbox cleanup запущен")

	return func() {
		cancel()
		<-done
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// stopGRPC пытается остановиться gracefully и обрывает соединения по таймауту.
func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
