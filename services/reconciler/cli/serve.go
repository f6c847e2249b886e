package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soilwatch/erosionflow/internal/engine"
	"github.com/soilwatch/erosionflow/internal/events"
	"github.com/soilwatch/erosionflow/internal/lifecycle"
	"github.com/soilwatch/erosionflow/internal/postgres"
	"github.com/soilwatch/erosionflow/internal/rediscache"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
	"github.com/soilwatch/erosionflow/services/reconciler"
	"github.com/soilwatch/erosionflow/services/reconciler/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
	serveCmd.Flags().String("engine-url", "http://localhost:8090", "base URL of the external compute engine")
	serveCmd.Flags().Duration("engine-timeout", 30*time.Second, "engine HTTP client timeout")
	serveCmd.Flags().String("sweep-cron", "* * * * *", "cron expression for status sweeps")
	serveCmd.Flags().Duration("stale-after", 2*time.Minute, "in-flight age before a record is swept")
	serveCmd.Flags().Int("sweep-batch", 100, "max records polled per sweep")
	serveCmd.Flags().String("webhook-url", "", "operator webhook for failed computations; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("engine_url", serveCmd.Flags(), "engine-url")
	bindFlag("engine_timeout", serveCmd.Flags(), "engine-timeout")
	bindFlag("sweep_cron", serveCmd.Flags(), "sweep-cron")
	bindFlag("stale_after", serveCmd.Flags(), "stale-after")
	bindFlag("sweep_batch", serveCmd.Flags(), "sweep-batch")
	bindFlag("webhook_url", serveCmd.Flags(), "webhook-url")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "reconciler")
	instanceID := "reconciler-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "reconciler", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	defer redisClient.Close()
	cache := rediscache.NewResultCache(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRecordRepository(pool)
	areas := postgres.NewAreaRepository(pool)

	gateway := engine.NewGateway(engine.Config{
		BaseURL: cfg.EngineURL,
		Timeout: cfg.EngineTimeout,
	})

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := events.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	manager := lifecycle.NewManager(repo, areas, cache, gateway,
		lifecycle.WithLogger(logger),
		lifecycle.WithEventStream(producer))

	rec, err := reconciler.New(repo, manager, redisClient, instanceID, reconciler.SweepConfig{
		CronExpr:   cfg.SweepCron,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.SweepBatch,
	}, logger)
	if err != nil {
		return err
	}

	consumer := events.NewConsumer(brokers, events.TopicLifecycle, "erosionflow-reconciler", logger)
	defer func() { _ = consumer.Close() }()
	notifier := reconciler.NewNotifier(consumer, cfg.WebhookURL, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	go func() {
		if err := notifier.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("notifier stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("reconciler starting",
		slog.String("instance_id", instanceID),
		slog.String("sweep_cron", cfg.SweepCron),
		slog.Duration("stale_after", cfg.StaleAfter),
	)
	rec.Run(runCtx)
	logger.Info("stopped")
	return nil
}
