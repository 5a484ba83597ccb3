package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"diagramcollab/internal/api"
	"diagramcollab/internal/auth"
	"diagramcollab/internal/authz"
	"diagramcollab/internal/config"
	"diagramcollab/internal/docsync"
	"diagramcollab/internal/events"
	"diagramcollab/internal/repositories"
	"diagramcollab/internal/routers"
	"diagramcollab/internal/session"
	"diagramcollab/internal/snapshot"
	"diagramcollab/internal/storage"
	"diagramcollab/internal/utils"
)

const shutdownTimeout = 15 * time.Second

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	// Local runs may keep settings in .env; real environment variables win.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded settings from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("collab server exited: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.AppEnv).With(zap.String("instance_id", uuid.NewString()))
	defer func() { _ = logger.Sync() }()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	var store snapshot.Store
	switch cfg.SnapshotBackend {
	case config.SnapshotBackendRedis:
		store = storage.NewRedisSnapshotStore(rdb)
	default:
		store = &repositories.SnapshotRepository{DB: db}
	}
	scheduler := snapshot.NewScheduler(store, cfg.SnapshotInterval, logger)

	registry := session.NewRegistry(docsync.New, logger,
		session.WithChangeHook(func(r *session.Room) { scheduler.Notify(r) }),
		session.WithCloseHook(func(r *session.Room) {
			// Runs on the last connection's goroutine; don't hold it on I/O.
			go func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := scheduler.Flush(flushCtx, r.FileID()); err != nil {
					logger.Error("final snapshot failed", zap.String("file_id", r.FileID()), zap.Error(err))
				}
			}()
		}),
	)

	subCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	go func() {
		if err := events.NewSubscriber(rdb, registry, logger).Run(subCtx); err != nil {
			logger.Warn("file event subscription stopped", zap.Error(err))
		}
	}()

	resolver := authz.NewResolver(&repositories.AccessRepository{DB: db}, logger)
	coordinator := session.NewCoordinator(resolver, registry, scheduler, logger)
	assets := storage.NewAssetStore(rdb, cfg.AssetTTL)

	handlers := api.NewHandlers(logger, coordinator, registry, assets, cfg.AssetMaxBytes, cfg.AllowedOrigins)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(logger, handlers, auth.NewVerifier(cfg.JWTSecret), cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		errCh <- listenAndServe(srv)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	registry.CloseAll()
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFlush()
	if ferr := scheduler.FlushAll(flushCtx); ferr != nil {
		logger.Error("flushing snapshots on shutdown failed", zap.Error(ferr))
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err = gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
		if err != nil {
			return nil, err
		}
		// A standalone SQLite file owns every table itself.
		return db, repositories.MigrateAll(db)
	default:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
		if err != nil {
			return nil, err
		}
	}
	if cfg.SnapshotBackend == config.SnapshotBackendPostgres {
		if err := repositories.MigrateSnapshots(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}
