package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/patrickmn/go-cache"
	"github.com/username/ledgerdash/backend/src/archive"
	"github.com/username/ledgerdash/backend/src/config"
	"github.com/username/ledgerdash/backend/src/database"
	"github.com/username/ledgerdash/backend/src/handlers"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/processors"
	"github.com/username/ledgerdash/backend/src/security"
	"github.com/username/ledgerdash/backend/src/services"
	"golang.org/x/time/rate"
)

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("LedgerDash backend server starting...")

	if len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	db, err := database.OpenAndMigrate(ctx, config.Cfg.DatabasePath)
	if err != nil {
		logger.L.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tokenCipher, err := security.NewTokenCipher(config.Cfg.TokenEncryptionKey)
	if err != nil {
		logger.L.Error("Failed to initialize token cipher", "error", err)
		os.Exit(1)
	}
	outbound := &http.Client{Timeout: config.Cfg.HTTPTimeout}
	vault := security.NewTokenVault(db, tokenCipher, security.TokenVaultOptions{
		ClientID:     config.Cfg.QBOClientID,
		ClientSecret: config.Cfg.QBOClientSecret,
		AuthURL:      config.Cfg.QBOAuthURL,
		TokenURL:     config.Cfg.QBOTokenURL,
		RedirectURL:  config.Cfg.QBORedirectURL,
		HTTPClient:   outbound,
		RefreshSkew:  config.Cfg.TokenRefreshSkew,
	})

	archiver := archive.NewNoopArchiver()
	if bucket := config.Cfg.RawArchiveBucket; bucket != "" {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			logger.L.Error("Failed to create Cloud Storage client, raw archiving disabled", "error", err)
		} else {
			defer gcs.Close()
			archiver = archive.NewGCSArchiver(gcs, bucket)
			logger.L.Info("Raw report archiving enabled", "bucket", bucket)
		}
	}

	logger.L.Info("Initializing report cache...")
	reportCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)

	logger.L.Info("Initializing services and handlers...")
	fetcher := services.NewReportFetcher(vault, services.FetcherOptions{
		BaseURL:           config.Cfg.QBOAPIBaseURL,
		MinorVersion:      config.Cfg.QBOMinorVersion,
		SummarizeColumnBy: config.Cfg.QBOSummarizeColumnBy,
		Timeout:           config.Cfg.HTTPTimeout,
		RequestsPerMinute: config.Cfg.QBORequestsPerMinute,
		HTTPClient:        outbound,
	})
	writer := services.NewReportWriter(db, config.Cfg.PersistBatchSize)
	kpi := processors.NewKpiProcessor()
	reportService := services.NewReportService(db, writer, kpi, reportCache)
	syncService := services.NewSyncService(
		vault, fetcher, writer, kpi, archiver,
		services.NewDBSyncLog(db), reportService,
		services.SyncOptions{
			MaxAttempts: config.Cfg.SyncMaxAttempts,
			BaseDelay:   config.Cfg.SyncBaseDelay,
			Concurrency: config.Cfg.SyncConcurrency,
		},
	)

	authService := security.NewAuthService(config.Cfg.JWTSecret, config.Cfg.AccessTokenExpiry)
	router := handlers.NewRouter(handlers.RouterDeps{
		Users:          handlers.NewUserHandler(db, authService, config.Cfg.RefreshTokenExpiry),
		QuickBooks:     handlers.NewQuickBooksHandler(vault, config.Cfg.FrontendBaseURL),
		Sync:           handlers.NewSyncHandler(syncService, reportService, config.Cfg.SyncLookback),
		Reports:        handlers.NewReportHandler(reportService),
		AllowedOrigins: config.Cfg.AllowedOrigins,
		Limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 30),
	})

	if config.Cfg.SyncInterval > 0 {
		go syncService.StartScheduler(ctx, config.Cfg.SyncInterval, config.Cfg.SyncLookback)
	}

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // POST /api/sync waits for the run
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("Failed to start server", "error", err)
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.L.Info("Shutdown signal received, draining connections...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Graceful shutdown failed", "error", err)
	}
	logger.L.Info("Server stopped gracefully.")
}
