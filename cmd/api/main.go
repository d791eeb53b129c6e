package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livedoc/api/internal/app"
	"livedoc/api/internal/auth"
	"livedoc/api/internal/config"
	"livedoc/api/internal/crdt"
	"livedoc/api/internal/live"
	"livedoc/api/internal/notify"
	"livedoc/api/internal/perm"
	"livedoc/api/internal/presence"
	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Presence and cross-instance fan-out degrade without Redis; the
		// server still comes up for single-instance use.
		logger.Warn("redis unreachable at startup", zap.Error(err), zap.Bool("degraded", true))
	}

	dataStore := store.NewPostgresStore(db)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	gate := perm.NewGate(dataStore)
	fabric := ws.NewFabric(redisClient, logger)
	defer fabric.Close()
	presenceStore := presence.NewRedisStoreWithClient(redisClient, logger)
	fanout := notify.NewFanout(dataStore, fabric, cfg.GroupSecret, logger)

	hub := live.NewHub(dataStore, presenceStore, fabric, crdt.NewRelay(), fanout, verifier, cfg.GroupSecret, logger)
	service := app.NewService(dataStore, gate, fabric, fanout, logger)
	api := app.NewHTTPServer(service, verifier, cfg.AccessTTL, cfg.CORSOrigin, logger)

	mux := http.NewServeMux()
	hub.Register(mux)
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
