package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/intelbot/internal/config"
	"github.com/briangreenhill/intelbot/internal/jobs"
	"github.com/briangreenhill/intelbot/internal/notify"
	"github.com/briangreenhill/intelbot/internal/providers"
	"github.com/briangreenhill/intelbot/internal/services"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("cmd", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(cfg.Level())

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	client, err := services.New(cfg.ServiceClient(), services.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create service client: %w", err)
	}
	defer func() { _ = client.Close() }()

	registry, err := providers.Setup(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("setup providers: %w", err)
	}

	var sender notify.Sender = notify.LogSender{Log: logger}
	if cfg.HasWebhook() {
		ws, err := notify.NewWebhookSender(client, cfg.Digest.WebhookURL)
		if err != nil {
			return err
		}
		sender = ws
	}

	redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			jobs.QueueDigest:      10,
			jobs.QueueMaintenance: 1,
		},
	})
	mux := asynq.NewServeMux()
	h := &jobs.Handlers{Cache: client, Providers: registry, Sender: sender, Log: logger}
	h.Register(mux)

	scheduler := asynq.NewScheduler(redis, nil)
	if _, err := scheduler.Register("@every 1m", jobs.NewCleanupTask()); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	every := fmt.Sprintf("@every %s", cfg.Digest.Interval)
	for _, name := range registry.List() {
		task, err := jobs.NewDigestTask(name)
		if err != nil {
			return err
		}
		if _, err := scheduler.Register(every, task); err != nil {
			return fmt.Errorf("schedule digest %s: %w", name, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-ctx.Done()
		scheduler.Shutdown()
		return nil
	})

	logger.Info().Strs("providers", registry.List()).Str("digest_every", cfg.Digest.Interval.String()).Msg("worker running")
	return g.Wait()
}
