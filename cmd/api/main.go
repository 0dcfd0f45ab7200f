package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"marksync/api/internal/app"
	"marksync/api/internal/config"
	"marksync/api/internal/ratelimit"
	"marksync/api/internal/revisions"
	"marksync/api/internal/search"
	"marksync/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	log := logrus.NewEntry(logger).WithField("service", "marksync-api")

	var dataStore app.DataStore
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory document store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			log.WithError(err).Fatal("migrations failed")
		}
		log.WithField("applied", applied).Info("migrations complete")
		dataStore = store.NewPostgresStore(db)
	default:
		log.WithField("store", cfg.Store).Fatal("unknown MARKSYNC_STORE")
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create revisions dir")
	}

	var limiter ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.SigninMaxAttempts, cfg.SigninWindow)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer redisLimiter.Close()
		log.Info("counting sign-in attempts in redis")
		limiter = redisLimiter
	} else {
		log.Info("counting sign-in attempts in process")
		limiter = ratelimit.NewMemoryLimiter(cfg.SigninMaxAttempts, cfg.SigninWindow, ratelimit.DefaultMaxEntries)
	}

	var indexer search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		indexer = meiliClient
	} else {
		log.Info("search indexing disabled")
	}
	searchService := search.NewService(indexer, log)

	service := app.New(cfg, dataStore,
		app.WithLogger(log),
		app.WithLimiter(limiter),
		app.WithRevisions(revisions.New(cfg.RevisionsDir)),
		app.WithSearch(searchService),
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("marksync API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	searchService.Wait()
}
