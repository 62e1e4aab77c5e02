package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/config"
	"github.com/xushuhui/zhida/internal/db"
	"github.com/xushuhui/zhida/internal/metrics"
	"github.com/xushuhui/zhida/internal/store"
	"github.com/xushuhui/zhida/internal/store/rabbitmq"
	"github.com/xushuhui/zhida/internal/worker"
)

const maxJobRetries = 3

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, cfg.DBEcho)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	m := metrics.Global()
	svc := chat.NewService(chat.Config{
		Sessions: store.NewSessionRepo(gdb),
		Messages: store.NewMessageRepo(gdb),
		Stats:    store.NewStatisticsRepo(gdb),
		Jobs:     chat.NewJobRepo(gdb),
		Registry: ai.NewRegistryFromConfig(cfg),
		Provider: cfg.AIProvider,
		Model:    cfg.DefaultModel(),
		Defaults: chat.Defaults{
			SystemPrompt: cfg.DefaultSystemPrompt,
			Temperature:  cfg.Temperature,
			MaxTokens:    cfg.MaxTokens,
		},
		ContextWindow: cfg.ChatWindowSize,
		TitleLength:   cfg.TitleLength,
		Logger:        log.Logger,
		Metrics:       m,
	})

	// retries go out on their own channel
	retrier, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect rabbitmq")
	}
	defer retrier.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("declare queues")
	}

	//  strict concurrency control
	concurrency := workerConcurrency(cfg.WorkerConcurrency)
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	metricsSrv := &http.Server{Addr: envOr("WORKER_METRICS_ADDR", ":9091"), ReadHeaderTimeout: 5 * time.Second}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv.Handler = mux
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	w := worker.New(worker.Config{
		Runner:     svc,
		Retrier:    retrier,
		MaxRetries: maxJobRetries,
		Logger:     log.Logger,
		Metrics:    m,
	})
	w.Start(ctx, msgs, concurrency)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("worker stopped")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
