package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"platewatch/internal/app"
	"platewatch/internal/config"
	"platewatch/internal/ratelimit"
	"platewatch/internal/server"
	"platewatch/internal/util"
	"platewatch/pkg/poller"
	"platewatch/pkg/registry"
	"platewatch/pkg/sched"
	"platewatch/pkg/store"
	"platewatch/pkg/telegram"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ledger, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	scheduler, err := sched.New(sched.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Cron:       sched.CronExpression(cfg.FetchEveryMinutes),
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		util.Fatal("failed to init scheduler", "err", err)
	}

	bot := telegram.NewClient(cfg.TelegramToken)
	checker := registry.NewClient(cfg.RegistryURL)
	engine := poller.New(ledger, checker, bot, scheduler)
	appCore := app.New(ledger, scheduler, engine)

	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "", cfg.CommandsPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx, cfg.Workers, appCore.PollTask)

	if cfg.WebhookURL != "" {
		if err := bot.SetWebhook(ctx, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			slog.Warn("failed to set telegram webhook", "err", err)
		}
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		Messenger:     bot,
		WebhookSecret: cfg.WebhookSecret,
		BotName:       cfg.BotName,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("platewatch listening", "addr", addr,
		"poll_interval", scheduler.Interval().String(), "workers", cfg.Workers)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
