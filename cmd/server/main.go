package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/platform/observability"
)

const (
	publishAttempts = 3
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logShutdown, logErr := observability.SetupLoggingSDK(ctx, cfg)
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	if logErr != nil {
		logger.Error("failed to setup OpenTelemetry logging", zap.Error(logErr))
	}

	_, traceShutdown, err := observability.SetupTracingSDK(ctx, cfg)
	if err != nil {
		logger.Error("failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	telemetryShutdown := observability.JoinShutdown(traceShutdown, logShutdown)

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("failed to connect mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping mysql", zap.Error(err))
	}
	if cfg.AutoMigrate {
		if err := storage.ApplyMigrations(ctx, db); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}
	logger.Info("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: cfg.RedisPoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	logger.Info("connected to redis")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.CompletedEventTTL)

	brk, err := openBroker(cfg, otel.GetTracerProvider(), logger)
	if err != nil {
		logger.Fatal("failed to open broker", zap.Error(err), zap.String("broker", cfg.Broker))
	}

	notifier := service.NewNotifier(brk.publisher, cfg.NotifyQueueSize, cfg.NotifyWorkers, publishAttempts, logger)
	ledger := service.NewLedgerService(service.Dependencies{
		Repository: mysqlAdapter,
		Marker:     redisAdapter,
		Catalog:    redisAdapter,
		Changes:    notifier,
		Logger:     logger,
		Tracer:     otel.Tracer(config.ServiceName),
	}, service.Config{
		ConflictRetries: cfg.ConflictRetries,
		LineTimeout:     cfg.LineTimeout,
		NegativeStock:   service.NegativeStockPolicy(cfg.NegativeStockPolicy),
	})
	movementConsumer := brk.newConsumer(ledger)

	grpcHandler := handler.NewGRPCHandler()
	grpcServer := grpcHandler.NewServer()
	httpHandler := handler.NewHTTPHandler(mysqlAdapter, map[string]handler.HealthCheck{
		"mysql": db.PingContext,
		"redis": redisAdapter.Ping,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		grpcHandler.SetServing(true)
		defer grpcHandler.SetServing(false)
		return movementConsumer.Run(gctx)
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
		grpcHandler.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
	}

	// The consumer has returned; drain pending change events before the
	// publisher and connections go away.
	notifier.Close()
	if err := brk.publisher.Close(); err != nil {
		logger.Error("failed to close publisher", zap.Error(err))
	}
	if err := brk.close(); err != nil {
		logger.Error("failed to close broker", zap.Error(err))
	}
	logger.Info("workers stopped")

	rdb.Close()
	db.Close()
	logger.Info("connections closed")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown telemetry", zap.Error(err))
	}
}
