package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backstage/api/db"
	"backstage/api/internal/app"
	"backstage/api/internal/board"
	"backstage/api/internal/clock"
	"backstage/api/internal/config"
	"backstage/api/internal/export"
	"backstage/api/internal/gitrepo"
	"backstage/api/internal/media"
	"backstage/api/internal/mirror"
	"backstage/api/internal/realtime"
	"backstage/api/internal/search"
	"backstage/api/internal/session"
	"backstage/api/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config failed", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("backstage api stopped", "error", err)
		os.Exit(1)
	}
}

func migrationsFS(cfg config.Config) fs.FS {
	if dir := strings.TrimSpace(cfg.MigrationsDir); dir != "" {
		return os.DirFS(dir)
	}
	return db.Migrations()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	applied, err := store.ApplyMigrations(ctx, sqlDB, migrationsFS(cfg))
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	if err := os.MkdirAll(cfg.NotesRepoDir, 0o755); err != nil {
		return fmt.Errorf("create notes repo dir: %w", err)
	}

	dataStore := store.NewPostgresStore(sqlDB)
	deps := app.Dependencies{
		Config: cfg,
		Store:  dataStore,
		Git:    gitrepo.New(cfg.NotesRepoDir),
		Export: export.NewService(dataStore, nil),
		Clock:  clock.Real(),
		Logger: logger,
	}

	var realtimeHandler http.Handler
	var redisSessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSessions, err = session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisSessions.Close()
		broker := realtime.NewBroker(redisSessions.Client(), logger)
		deps.Sessions = redisSessions
		deps.Publisher = broker
		realtimeHandler = realtime.NewHandler(broker, cfg.CORSOrigin, logger)
		logger.Info("using redis for sessions and realtime")
	} else {
		logger.Info("using postgres for sessions; realtime disabled")
	}

	var redisClient *redis.Client
	if redisSessions != nil {
		redisClient = redisSessions.Client()
	}
	pending, closeMirror, err := mirror.Open(cfg.Mirror, redisClient, cfg.BoltPath)
	if err != nil {
		return fmt.Errorf("open board mirror: %w", err)
	}
	defer closeMirror()

	deps.Boards = board.NewManager(dataStore, board.Config{
		GroupsQuietPeriod: cfg.GroupsQuietPeriod,
		PropsQuietPeriod:  cfg.PropsQuietPeriod,
		FlushTimeout:      cfg.FlushTimeout,
		Mirror:            pending,
		Publisher:         deps.Publisher,
		Clock:             deps.Clock,
		Logger:            logger,
	})

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, search.NewPgFTS(sqlDB), logger)

	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		images, err := media.Open(ctx, media.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			PublicURL: cfg.MediaPublicURL,
		})
		if err != nil {
			return fmt.Errorf("media storage failed: %w", err)
		}
		deps.Media = images
	} else {
		logger.Warn("media storage not configured; image uploads disabled")
	}

	service := app.New(deps)
	if recovered, err := service.RecoverBoards(ctx); err != nil {
		logger.Warn("board recovery incomplete", "recovered", recovered, "error", err)
	} else if len(recovered) > 0 {
		logger.Info("boards recovered", "keys", recovered)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, realtimeHandler, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("backstage api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("flush on shutdown failed; changes stay mirrored", "error", err)
	}
	return nil
}
