package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/backup"
	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/httpapi"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("unable to read .env")
	}
	cfg := config.Load()
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component(logger, "server")

	if err := validateSecurityConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.WithError(err).Fatal("schema migration failed")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var locker lock.Locker = lock.NewLocal()
	ledgerCache := cache.LedgerCache(cache.NoopLedgerCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisLedgerCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using process-local locks and no ledger cache")
			_ = client.Close()
		} else {
			ledgerCache = redisCache
			locker = lock.NewRedisLocker(client)
			closers = append(closers, client.Close)
			log.Info("cache and locks: redis")
		}
	} else {
		log.Info("cache: noop, locks: local")
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	var backupJob *backup.Job
	if cfg.BackupDir != "" {
		backupJob = backup.NewJob(repo, locker, cfg.BackupDir, cfg.BackupHour, logger)
		if cfg.BackupEnabled {
			go backupJob.Start(runCtx)
			log.WithField("hour", cfg.BackupHour).Info("daily backup scheduled")
		}
	}

	svc := service.New(repo, service.Options{
		Locker:         locker,
		Cache:          ledgerCache,
		Backup:         backupJob,
		Logger:         logger,
		PhoneRegion:    cfg.PhoneRegion,
		ImportLockTTL:  cfg.ImportLockTTL(),
		LedgerCacheTTL: cfg.LedgerCacheTTL(),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Address()).Info("stock ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stopRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BackupEnabled && cfg.BackupDir == "" {
		return fmt.Errorf("BACKUP_DIR must be set when BACKUP_ENABLED is true")
	}
	return nil
}
