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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xushuhui/zhida/internal/ai"
	"github.com/xushuhui/zhida/internal/auth"
	"github.com/xushuhui/zhida/internal/chat"
	"github.com/xushuhui/zhida/internal/config"
	"github.com/xushuhui/zhida/internal/db"
	"github.com/xushuhui/zhida/internal/httpapi"
	"github.com/xushuhui/zhida/internal/httpapi/handlers"
	"github.com/xushuhui/zhida/internal/metrics"
	"github.com/xushuhui/zhida/internal/store"
	"github.com/xushuhui/zhida/internal/store/rabbitmq"
	"github.com/xushuhui/zhida/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("db_driver", cfg.DBDriver).
		Str("ai_provider", cfg.AIProvider).
		Str("model", cfg.DefaultModel()).
		Msg("starting zhida api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, cfg.DBEcho)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	// rate limiting needs redis; without it turns are not limited
	var limiter chat.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = redisstore.NewRateLimiter(rdb, cfg.RateLimitHour)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, rate limiting disabled")
	}

	var publisher chat.JobPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect rabbitmq")
		}
		defer pub.Close()
		publisher = pub
	} else {
		log.Warn().Msg("RABBIT_URL not set, async chat jobs disabled")
	}

	users := store.NewUserRepo(gdb)
	gate := auth.NewGate(auth.Config{
		Users:  users,
		Secret: cfg.JWTSecret,
		TTL:    cfg.TokenTTL,
		Logger: log.Logger,
	})

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
		Limiter:       limiter,
		Publisher:     publisher,
		Logger:        log.Logger,
		Metrics:       metrics.Global(),
	})

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(gdb, gate, svc, log.Logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, gate, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()
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
