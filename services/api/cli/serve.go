package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soilwatch/erosionflow/internal/engine"
	"github.com/soilwatch/erosionflow/internal/events"
	"github.com/soilwatch/erosionflow/internal/geometry"
	"github.com/soilwatch/erosionflow/internal/lifecycle"
	"github.com/soilwatch/erosionflow/internal/postgres"
	"github.com/soilwatch/erosionflow/internal/rediscache"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
	"github.com/soilwatch/erosionflow/services/api/config"
	"github.com/soilwatch/erosionflow/services/api/handler"
	"github.com/soilwatch/erosionflow/services/api/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
	serveCmd.Flags().String("engine-url", "http://localhost:8090", "base URL of the external compute engine")
	serveCmd.Flags().Duration("engine-timeout", 30*time.Second, "engine HTTP client timeout")
	serveCmd.Flags().String("boundary-file", "", "GeoJSON file with the reference clipping outline; empty disables clipping")
	serveCmd.Flags().Int("submit-limit", 10, "engine submissions allowed per area type per window; 0 disables")
	serveCmd.Flags().Duration("submit-window", time.Minute, "sliding window for the submit limiter")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("engine_url", serveCmd.Flags(), "engine-url")
	bindFlag("engine_timeout", serveCmd.Flags(), "engine-timeout")
	bindFlag("boundary_file", serveCmd.Flags(), "boundary-file")
	bindFlag("submit_limit", serveCmd.Flags(), "submit-limit")
	bindFlag("submit_window", serveCmd.Flags(), "submit-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := events.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := rediscache.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := rediscache.NewResultCache(redisClient)
	lock := rediscache.NewSubmitLock(redisClient, uuid.New().String())

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

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithEventStream(producer),
		lifecycle.WithSubmitLock(lock),
	}
	if cfg.SubmitLimit > 0 {
		opts = append(opts, lifecycle.WithSubmitLimiter(
			rediscache.NewSubmitLimiter(redisClient, cfg.SubmitLimit, cfg.SubmitWindow)))
	}
	if cfg.BoundaryFile != "" {
		boundary, err := loadBoundary(cfg.BoundaryFile)
		if err != nil {
			return fmt.Errorf("boundary: %w", err)
		}
		opts = append(opts, lifecycle.WithBoundary(boundary))
		logger.Info("clipping boundary loaded", slog.String("file", cfg.BoundaryFile))
	}
	manager := lifecycle.NewManager(repo, areas, cache, gateway, opts...)

	restHandler := handler.NewREST(manager, repo, cache, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		// Custom drawings can be large; everything else stays at 1MB.
		r.With(middleware.MaxBodySize(4<<20)).Post("/erosion/compute", restHandler.RequestComputation)
		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(1 << 20))
			r.Post("/erosion/availability", restHandler.CheckAvailability)
			r.Post("/erosion/callback", restHandler.EngineCallback)
			r.Post("/admin/cache/clear", restHandler.ClearCache)
		})
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// loadBoundary reads the reference outline used to clip custom drawings.
func loadBoundary(path string) (*geometry.Geometry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g geometry.Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &g, nil
}
