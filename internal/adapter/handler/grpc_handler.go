package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/pos-checkout/internal/logger"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "pos.checkout"

// StockWatcher reports whether the live stock feed is unavailable.
type StockWatcher interface {
	Degraded() bool
}

// GRPCHealth publishes NOT_SERVING while the stock feed is degraded so load
// balancers can route shoppers to a healthy instance.
type GRPCHealth struct {
	server   *health.Server
	stock    StockWatcher
	interval time.Duration
	log      *zap.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func NewGRPCHealth(stock StockWatcher, interval time.Duration, log *zap.Logger) *GRPCHealth {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	h := &GRPCHealth{
		server:   health.NewServer(),
		stock:    stock,
		interval: interval,
		log:      logger.OrNop(log).With(zap.String("component", "grpc-health")),
	}
	h.update()
	return h
}

func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

func (h *GRPCHealth) Server() healthpb.HealthServer {
	return h.server
}

// Run refreshes the serving status until ctx is cancelled, then marks every
// service NOT_SERVING.
func (h *GRPCHealth) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.update()
		}
	}
}

func (h *GRPCHealth) update() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.stock.Degraded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status != h.last {
		h.log.Info("serving status changed", zap.String("status", status.String()))
		h.last = status
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}
