package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JAYSTX/smtxvzla-backend/internal/config"
	"github.com/JAYSTX/smtxvzla-backend/internal/engine"
	"github.com/JAYSTX/smtxvzla-backend/internal/storage"
	"github.com/JAYSTX/smtxvzla-backend/libs/health"
	"github.com/JAYSTX/smtxvzla-backend/libs/httpmiddleware"
	"github.com/JAYSTX/smtxvzla-backend/libs/kafka"
	"github.com/JAYSTX/smtxvzla-backend/libs/logging"
	"github.com/JAYSTX/smtxvzla-backend/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engineMetrics := engine.NewMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrate(pool); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	store := storage.New(pool, logging.WithComponent(logger, "storage"))

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		kafkaMetrics := kafka.NewProducerMetrics(registry)
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logging.WithComponent(logger, "kafka"), kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		}
	}

	topics := engine.Topics{
		OrdersSettled:     cfg.Kafka.Topics.OrdersSettled,
		OrdersCancelled:   cfg.Kafka.Topics.OrdersCancelled,
		TransfersExecuted: cfg.Kafka.Topics.TransfersExecuted,
	}
	eng := engine.New(store, logging.WithComponent(logger, "engine"), engineMetrics, publisher, topics)

	httpServer := buildHTTPServer(cfg, ready, registry, logger)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runLockSweep(sweepCtx, eng, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("settlement ops server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)
	stopSweep()
}

// runLockSweep periodically checks every locked balance against the
// active orders that should be holding it.
func runLockSweep(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	const interval = time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drift, err := eng.VerifyLocks(ctx)
			if err != nil {
				logger.Warn("lock sweep failed", "error", err)
				continue
			}
			if len(drift) > 0 {
				logger.Error("lock sweep found drift", "rows", len(drift))
			}
		}
	}
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func migrate(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return storage.Migrate(ctx, pool)
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down", "signal", sig.String())
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
