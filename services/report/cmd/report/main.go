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
	_ "time/tzdata"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"bmsreport/internal/usertoken"
	"bmsreport/internal/util"
	"bmsreport/pkg/catalog"
	"bmsreport/pkg/notify"
	"bmsreport/pkg/queue"
	"bmsreport/pkg/storage"
	"bmsreport/pkg/store"
	"bmsreport/services/report/internal/app"
	"bmsreport/services/report/internal/config"
	"bmsreport/services/report/internal/server"
)

func main() {
	// A local .env is optional; deployed containers set the environment.
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "report")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		log.Fatalf("failed to load time zone: %v", err)
	}
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	jobs, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{Stream: cfg.QueueStream, Logger: logger})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	relay, err := notify.NewRelay(dataStore, jobs, notify.RelayConfig{Interval: cfg.RelayInterval, Logger: logger})
	if err != nil {
		log.Fatalf("failed to init outbox relay: %v", err)
	}
	go relay.Run(ctx)

	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Objects:        objects,
		PublicBaseURL:  cfg.PublicBaseURL,
		Catalog:        cat,
		Locker:         redislock.New(redisClient),
		Notifier:       relay,
		CooldownMonths: cfg.CooldownMonths,
		Location:       loc,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       tokenVerifier,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
	})
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

	slog.Info("report server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
