package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/pos-checkout/internal/adapter/handler"
	"github.com/rl1809/pos-checkout/internal/adapter/messaging"
	"github.com/rl1809/pos-checkout/internal/adapter/storage"
	"github.com/rl1809/pos-checkout/internal/config"
	"github.com/rl1809/pos-checkout/internal/core/service"
	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
	"github.com/rl1809/pos-checkout/internal/tracing"
)

const serviceName = "pos-checkout"

// backend bundles the ports served by one storage adapter.
type backend struct {
	inventory   port.InventoryStore
	carts       port.CartRepository
	orders      port.OrderRepository
	idempotency port.IdempotencyStore
	close       func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := openBackend(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer store.close()

	var events port.OrderEventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher := messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer publisher.Close()
		events = publisher
		log.Info("publishing order events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	stock := service.NewStockService(store.inventory, log, m)
	seeded, err := stock.EnsureInventory(ctx, cfg.SeedStock)
	if err != nil {
		return err
	}
	log.Info("inventory ready", zap.Bool("seeded", seeded))

	if err := stock.Start(ctx); err != nil {
		// checkout still reads the store; serve with a degraded cache
		log.Warn("stock listener not started", zap.Error(err))
	}
	defer stock.Stop()

	sessions := service.NewSessionManager(store.inventory, store.carts, events, log, m)
	sessions.SetIdleTTL(cfg.SessionIdleTTL)
	orders := service.NewOrderQuery(store.orders, cfg.Location())

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(sessions, stock, orders, store.idempotency, log, m)
	router := chi.NewRouter()
	router.Handle("/metrics", metrics.Handler(reg))
	router.Mount("/", httpHandler.Routes())

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(stock, 2*time.Second, log)
	grpcHealth.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		grpcHealth.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sessions.RunEviction(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown", zap.Error(err))
		}
		log.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	})

	err = g.Wait()
	log.Info("connections closed")
	return err
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("connected to mysql")

		adapter := storage.NewMySQLAdapter(db, storage.MySQLConfig{
			MaxAttempts:  cfg.TxMaxAttempts,
			PollInterval: cfg.PollInterval,
			Metrics:      m,
		})
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &backend{adapter, adapter, adapter, adapter, db.Close}, nil

	case config.BackendMemory:
		log.Warn("using in-memory store, data is lost on exit")
		s := storage.NewMemoryStore(cfg.TxMaxAttempts)
		return &backend{s, s, s, s, func() error { return nil }}, nil

	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		adapter := storage.NewRedisAdapter(rdb, storage.RedisConfig{
			MaxAttempts: cfg.TxMaxAttempts,
			RetryDelay:  cfg.PollInterval,
			Metrics:     m,
		})
		return &backend{adapter, adapter, adapter, adapter, rdb.Close}, nil
	}
}
