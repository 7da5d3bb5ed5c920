package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"bmsreport/internal/util"
	"bmsreport/pkg/catalog"
	"bmsreport/pkg/media"
	"bmsreport/pkg/notify"
	"bmsreport/pkg/queue"
	"bmsreport/pkg/storage"
	"bmsreport/pkg/store"
	"bmsreport/services/notifier/internal/app"
	"bmsreport/services/notifier/internal/config"
	"bmsreport/services/notifier/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "notifier")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		data, err := os.ReadFile(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("failed to read catalog: %v", err)
		}
		if cat, err = catalog.Load(data); err != nil {
			log.Fatalf("failed to parse catalog: %v", err)
		}
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.Open(ctx, storage.Options{
		Backend:            cfg.StorageBackend,
		MinioEndpoint:      cfg.MinioEndpoint,
		MinioAccessKey:     cfg.MinioAccessKey,
		MinioSecretKey:     cfg.MinioSecretKey,
		MinioBucket:        cfg.MinioBucket,
		MinioUseSSL:        cfg.MinioUseSSL,
		MinioRegion:        cfg.MinioRegion,
		GCSBucket:          cfg.GCSBucket,
		GCSCredentialsFile: cfg.GCSCredentials,
	})
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	photos, err := media.NewPipeline(objects, cfg.PublicBaseURL, media.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to init media pipeline: %v", err)
	}

	var renderer notify.Renderer = notify.NewPhotoSheetRenderer(logger)
	if cfg.Renderer == "remote" {
		remote, err := notify.NewRemoteRenderer(cfg.RendererURL, &http.Client{Timeout: 60 * time.Second})
		if err != nil {
			log.Fatalf("failed to init remote renderer: %v", err)
		}
		renderer = remote
	}

	mailer, err := notify.NewAMQPMailer(cfg.AMQPURL, cfg.MailExchange)
	if err != nil {
		log.Fatalf("failed to init mailer: %v", err)
	}
	defer mailer.Close()

	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Reports:  dataStore,
		Objects:  objects,
		Photos:   photos,
		Renderer: renderer,
		Mailer:   mailer,
		Catalog:  cat,
		Fetchers: cfg.PhotoFetchers,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to init dispatcher: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	jobs, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.QueueRetryDelay,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		Jobs:        jobs,
		Handler:     dispatcher.Handle,
		Concurrency: cfg.QueueConcurrency,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	appCore.Start(ctx)

	httpServer, err := server.New(server.Config{App: appCore, InternalToken: cfg.InternalToken})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

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

	slog.Info("notifier listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
