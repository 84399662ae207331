package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/billing"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/httpapi"
	"github.com/relaydesk/relaydesk/internal/ingest"
	"github.com/relaydesk/relaydesk/internal/message"
	"github.com/relaydesk/relaydesk/internal/notify"
	"github.com/relaydesk/relaydesk/internal/observ"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger("gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relaydesk gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis carries the job queue, dedup state, and rate limits; the
	// gateway cannot run without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	idempotency := redis.NewIdempotencyStore(redisClient, logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,             // 100 requests
		Window: 1 * time.Minute, // per minute per caller
	})

	q := queue.New(redisClient, logger)

	// Channel senders
	emailSender, err := notify.NewEmailSender(ctx, notify.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create email sender: %w", err)
	}

	smsProvider, err := notify.NewSMSProvider(ctx, cfg.SMSProvider, cfg.SNSRegion, notify.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		From:       cfg.TwilioFrom,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sms provider: %w", err)
	}
	smsSender := notify.NewSMSSender(smsProvider, notify.SMSConfig{
		DefaultCountryCode: cfg.SMSCountryCode,
	}, logger)

	pushProvider, err := notify.NewPushProvider(cfg.PushProvider, notify.FCMConfig{
		ServerKey: cfg.FCMServerKey,
	}, notify.OneSignalConfig{
		AppID:  cfg.OneSignalAppID,
		APIKey: cfg.OneSignalAPIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create push provider: %w", err)
	}
	pushSender := notify.NewPushSender(pushProvider, logger)

	webhookSender := notify.NewWebhookSender(cfg.WebhookDefaultSecret, logger)
	inAppSender := notify.NewInAppSender(redisClient, logger)

	sendHandler := notify.NewSendHandler(repo, logger,
		emailSender, smsSender, pushSender, webhookSender, inAppSender)
	dispatcher := notify.NewDispatcher(repo, q, logger)

	logger.Info("initialized multi-channel notification system",
		zap.String("sms_provider", cfg.SMSProvider),
		zap.String("push_provider", cfg.PushProvider),
	)

	// Message pipeline
	pipeline := ingest.NewPipeline(repo, idempotency, q, logger)
	processor := message.NewProcessor(repo, idempotency, redisClient, q, logger)
	waClient := message.NewWhatsAppClient(message.WhatsAppConfig{
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		AccessToken:   cfg.WhatsAppAccessToken,
	})
	autoReply := message.NewAutoReplyHandler(repo, waClient, logger)

	// Billing
	reactor := billing.NewReactor(repo, dispatcher, q, logger)
	sweeper := billing.NewSweeper(repo, dispatcher, logger)
	scheduler, err := billing.NewScheduler(cfg.SweepSchedule, q, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweep scheduler: %w", err)
	}

	// Worker pool
	w := queue.NewWorker(q, repo, queue.WorkerConfig{
		Queues: []string{
			queue.QueueWhatsApp,
			queue.QueueNotifications,
			queue.QueuePayment,
			queue.QueueBilling,
		},
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: 1 * time.Second,
	}, logger)

	w.Register(queue.TypeProcessMessage, queue.Registration{Handler: processor, MaxAttempts: 3, Timeout: 60 * time.Second})
	w.Register(queue.TypeSendAutoReply, queue.Registration{Handler: autoReply, MaxAttempts: 3, Timeout: 30 * time.Second})
	w.Register(queue.TypeSendNotification, queue.Registration{Handler: sendHandler, MaxAttempts: 3, Timeout: 60 * time.Second})
	w.Register(queue.TypePaymentWebhook, queue.Registration{Handler: reactor, MaxAttempts: 3, Timeout: 60 * time.Second})
	w.Register(queue.TypePaymentSuccess, queue.Registration{Handler: reactor, MaxAttempts: 3, Timeout: 60 * time.Second})
	w.Register(queue.TypePaymentFailure, queue.Registration{Handler: reactor, MaxAttempts: 3, Timeout: 60 * time.Second})
	w.Register(queue.TypeOverdueSweep, queue.Registration{Handler: sweeper, MaxAttempts: 2, Timeout: 300 * time.Second})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)
	go scheduler.Run(workerCtx)

	logger.Info("background workers started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("sweep_schedule", cfg.SweepSchedule),
	)

	// HTTP surface
	handler := httpapi.NewHandler(logger, pipeline, q, sendHandler, cfg, q, cfg.WhatsAppVerifyToken)
	router := httpapi.NewRouter(handler, rateLimiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop pulling new jobs, then give outstanding requests 10
		// seconds to complete.
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
