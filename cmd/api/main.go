// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/config"
	"github.com/briangreenhill/intelbot/internal/http/routes"
	"github.com/briangreenhill/intelbot/internal/providers"
	"github.com/briangreenhill/intelbot/internal/services"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("cmd", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(cfg.Level())

	client, err := services.New(cfg.ServiceClient(), services.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("create service client")
	}

	registry, err := providers.Setup(cfg, client, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup providers")
	}

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("close asynq client")
		}
	}()

	s := routes.New(routes.ServerOptions{
		Client:     client,
		Providers:  registry,
		Queue:      queue,
		AdminToken: cfg.AdminToken,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("close service client")
	}
}
