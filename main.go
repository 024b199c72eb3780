package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"coldreach/config"
	controller "coldreach/controllers"
	"coldreach/mailbox"
	"coldreach/middleware"
	"coldreach/queue"
	"coldreach/routes"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger).WithField("service", "coldreach")
	log.WithFields(cfg.Fields()).Info("Configuration loaded")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			AttachStacktrace: true,
		}); err != nil {
			log.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDB(cfg.DB, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	rdb, err := config.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to redis")
	}
	defer rdb.Close()

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.WithError(err).Fatal("Invalid encryption key")
	}

	creds := mailbox.NewCredentials(db, cipher,
		mailbox.OAuthClient{ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret},
		mailbox.OAuthClient{ClientID: cfg.Microsoft.ClientID, ClientSecret: cfg.Microsoft.ClientSecret},
		log,
	)
	generator := utils.NewChatGenerator(cfg.GenerationBaseURL, &http.Client{Timeout: 60 * time.Second}, cfg.GenerationRPS)
	hub := controller.NewActivityHub(log)

	scheduler := worker.NewScheduler(worker.Deps{
		DB:        db,
		Redis:     rdb,
		Transport: mailbox.NewSMTPTransport(creds, log),
		Retriever: mailbox.NewIMAPRetriever(creds, log),
		Generator: generator,
		Cipher:    cipher,
		Events:    hub,
		Log:       log,
	}, worker.Settings{
		TrackingBaseURL: cfg.TrackingBaseURL,
		Concurrency:     cfg.WorkerConcurrency,
		Queue:           queue.Options{MaxAttempts: cfg.QueueMaxAttempts},
		Sync: worker.SyncConfig{
			Interval:    cfg.Sync.Interval,
			Lookback:    cfg.Sync.Lookback,
			MaxMessages: cfg.Sync.MaxMessages,
			Parallelism: cfg.Sync.Parallelism,
		},
		ResetLocation:  cfg.ResetLocation(),
		WarmupEnabled:  cfg.WarmupEnabled,
		WarmupInterval: cfg.WarmupInterval,
	})

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		scheduler.Run(ctx)
	}()

	app := fiber.New(fiber.Config{
		AppName:      "coldreach",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = cfg.AllowedOrigins
	}
	app.Use(middleware.CORS(corsConfig))

	routes.SetupRoutes(app, routes.Deps{
		DB:                db,
		Redis:             rdb,
		Scheduler:         scheduler,
		Hub:               hub,
		Log:               log,
		JWTSecret:         cfg.JWTSecret,
		TrackingRateLimit: cfg.TrackingRateLimit,
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("HTTP shutdown failed")
		}
	}()

	log.WithField("port", cfg.ServerPort).Info("Server starting")
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.WithError(err).Error("Server stopped")
		stop()
	}

	workers.Wait()
	log.Info("Workers stopped")
}
