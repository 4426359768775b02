package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifeline/api"
	"lifeline/config"
	"lifeline/log"
	"lifeline/models"
	"lifeline/services"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	cfg.LogSummary(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	firebaseService, err := services.NewFirebaseService(ctx, cfg, log.Component("firebase"))
	if err != nil {
		logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
	}
	defer firebaseService.Close()

	sessions := services.NewSessionRepository(firebaseService.Store(), cfg.SessionsCollection, log.Component("sessions"))

	// Escalation sinks; each is optional and delivered in the background
	var sinks []services.EscalationSink
	var buffered []*services.BufferedSink
	addSink := func(sink services.EscalationSink) {
		bs := services.NewBufferedSink(sink, 20, 2*time.Second, log.Component("sink"))
		buffered = append(buffered, bs)
		sinks = append(sinks, bs)
	}

	var telegramService *services.TelegramService
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegramService, err = services.NewTelegramService(cfg, log.Component("telegram"))
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		addSink(telegramService)
	}

	var rabbitService *services.RabbitMQService
	if cfg.RabbitMQURL != "" {
		rabbitService, err = services.NewRabbitMQService(cfg, log.Component("rabbitmq"))
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		defer rabbitService.Close()
		addSink(rabbitService)
	}

	if cfg.AlertWebhookURL != "" {
		addSink(services.NewSirenAlertService(log.Component("siren"), cfg.AlertWebhookURL))
		logger.Info("Siren alert service initialized", zap.String("url", cfg.AlertWebhookURL))
	}

	watchdog := services.NewStalenessWatchdog(sessions, log.Component("watchdog"), sinks...)
	proximity := services.NewProximityEngine(models.Position{
		Latitude:  cfg.DefaultLatitude,
		Longitude: cfg.DefaultLongitude,
	})

	deps := api.Deps{
		Sessions:         sessions,
		Watchdog:         watchdog,
		Proximity:        proximity,
		DefaultThreshold: cfg.StalenessThreshold,
		NearbyRadiusKm:   cfg.NearbyRadiusKm,
		Logger:           log.Component("http"),
	}

	if cfg.HazardAPIKey != "" {
		hazards, err := services.NewHazardFeed(cfg, log.Component("hazard"))
		if err != nil {
			logger.Fatal("Failed to initialize hazard feed", zap.Error(err))
		}
		deps.Hazards = hazards
	}

	// A nil *messaging.Client must not reach the interface
	var sender services.MulticastSender
	if client := firebaseService.Messaging(); client != nil {
		sender = client
	}
	deps.Notifier = services.NewFCMNotifier(sender, firebaseService.Store(), cfg.TokensCollection, log.Component("fcm"))

	// Send startup notification
	if telegramService != nil {
		if err := telegramService.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Lifeline watchdog started",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Duration("staleness_threshold", cfg.StalenessThreshold),
		zap.Duration("scan_interval", cfg.ScanInterval),
		zap.Int("sinks", len(sinks)),
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, bs := range buffered {
		g.Go(func() error {
			bs.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		watchdog.Run(gctx, cfg.ScanInterval, cfg.StalenessThreshold)
		return nil
	})

	if rabbitService != nil {
		g.Go(func() error {
			return rabbitService.Consume(gctx, watchdog)
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, stopping services")
			cancel()
		case <-gctx.Done():
		}
	}()

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}

	// Wait for buffered sinks to flush
	for _, bs := range buffered {
		if !bs.WaitForShutdown(5 * time.Second) {
			logger.Warn("Escalation sink did not flush in time", zap.String("sink", bs.Name()))
		}
	}

	logger.Info("Lifeline watchdog stopped")
}
