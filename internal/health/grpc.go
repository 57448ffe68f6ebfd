package health

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultSyncInterval = 10 * time.Second

// ServingStatus переводит Response в статус стандартного gRPC health-сервиса.
func ServingStatus(response Response) healthpb.HealthCheckResponse_ServingStatus {
	if response.Ready() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// SyncGRPC периодически пересчитывает проверки и выставляет общий ("") статус
// в grpc health-сервере. Возвращается при отмене ctx, после чего статус NOT_SERVING.
func (h *Handler) SyncGRPC(ctx context.Context, server *grpchealth.Server, interval time.Duration) {
	if server == nil {
		return
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	logger := log.WithField("component", "grpc-health-sync")

	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		status := ServingStatus(h.Evaluate(ctx))
		if status != last {
			logger.WithField("status", status.String()).Info("grpc health status changed")
			last = status
		}
		server.SetServingStatus("", status)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update()
	for {
		select {
		case <-ctx.Done():
			server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			update()
		}
	}
}
