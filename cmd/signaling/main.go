package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/handlers"
	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/redis"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := applog.New(os.Getenv("LOG_LEVEL"))

	// Load configuration
	cfg, err := config.Load(logger, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = applog.New(cfg.LogLevel)

	if cfg.Environment == "production" && cfg.JWTSecret == config.Default().JWTSecret {
		logger.Warn().Msg("JWT_SECRET is the built-in default; tokens can be forged")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	logger.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")

	reg := registry.New(rdb, cfg.Chat.RoomExpiry, logger)
	signals := signal.NewChannel(rdb, cfg.Chat.SignalBlock, cfg.Chat.RoomExpiry, logger)
	defer signals.Close()

	go sweepExpired(ctx, reg, cfg.Chat.CleanupInterval, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handlers.New(reg, signals, logger).Mount(router, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("starting WebRTC signaling gateway")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	logger.Info().Msg("gateway stopped")
}

// sweepExpired deletes expired rooms until ctx ends. Joins already refuse
// them, so this only reclaims memory.
func sweepExpired(ctx context.Context, reg *registry.Registry, every time.Duration, logger *zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.CleanupExpired(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("expired room sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("rooms", n).Msg("removed expired rooms")
			}
		}
	}
}
