package cli

import (
	"context"
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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/jobs"
	"github.com/taskgrid/taskgrid/internal/kafka"
	"github.com/taskgrid/taskgrid/internal/postgres"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	redisstore "github.com/taskgrid/taskgrid/internal/redis"
	"github.com/taskgrid/taskgrid/internal/scheduler"
	"github.com/taskgrid/taskgrid/internal/strategy"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
	"github.com/taskgrid/taskgrid/services/controller/api"
	"github.com/taskgrid/taskgrid/services/controller/config"
	"github.com/taskgrid/taskgrid/services/controller/middleware"
	"github.com/taskgrid/taskgrid/services/controller/reporter"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the controller",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("strategy", "round_robin", "worker selection strategy: round_robin | least_loaded | capacity_weighted | capability_match")
	serveCmd.Flags().Duration("poll-interval", 250*time.Millisecond, "queue sweep interval")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	serveCmd.Flags().Int("enqueue-rate-limit", 0, "max enqueues per queue per window; 0 disables rate limiting")
	serveCmd.Flags().Duration("enqueue-rate-window", time.Second, "rate limiter window")
	serveCmd.Flags().String("reports-group", "controller-reports", "Kafka consumer group for completion reports")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("strategy", serveCmd.Flags(), "strategy")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("enqueue_rate_limit", serveCmd.Flags(), "enqueue-rate-limit")
	bindFlag("enqueue_rate_window", serveCmd.Flags(), "enqueue-rate-window")
	bindFlag("reports_group", serveCmd.Flags(), "reports-group")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "controller")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "controller", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	strat, err := strategy.FromName(cfg.Strategy)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	sink := kafka.NewSink(producer, logger)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)

	// ── core engine ───────────────────────────────────────────────────────────
	clk := clock.New()
	queues := queue.NewManager(clk, logger)
	workers := registry.New(clk, logger)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithSink(sink),
		scheduler.WithMirror(store),
		scheduler.WithPollInterval(cfg.PollInterval),
	}
	jobOpts := []jobs.Option{
		jobs.WithLogger(logger),
		jobs.WithSink(sink),
	}
	if cfg.EnqueueRateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.EnqueueRateLimit, cfg.EnqueueRateWindow)
		schedOpts = append(schedOpts, scheduler.WithLimiter(limiter))
	}

	var repo postgres.AuditRepository
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, perr := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if perr != nil {
			return fmt.Errorf("postgres: %w", perr)
		}
		defer pool.Close()
		repo = postgres.NewRepository(pool)
		schedOpts = append(schedOpts, scheduler.WithAuditor(repo))
		jobOpts = append(jobOpts, jobs.WithAuditor(repo))
	}

	sched := scheduler.New(queues, workers, strat, clk, schedOpts...)
	jobsMgr := jobs.NewManager(clk, jobOpts...)

	// ── completion report consumers ───────────────────────────────────────────
	taskReports := kafka.NewConsumer(brokers, reporter.TopicTaskReports, cfg.ReportsGroup, logger)
	defer func() { _ = taskReports.Close() }()
	jobReports := kafka.NewConsumer(brokers, reporter.TopicJobReports, cfg.ReportsGroup, logger)
	defer func() { _ = jobReports.Close() }()
	rep := reporter.New(taskReports, jobReports, sched, jobsMgr, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	restHandler := api.NewREST(sched, queues, workers, jobsMgr, store, repo, logger)
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", restHandler.Routes)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("controller HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		if err := sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler loop error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		if err := rep.Run(runCtx); err != nil {
			logger.Error("reporter error", slog.String("error", err.Error()))
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
