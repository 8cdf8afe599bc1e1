package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/api"
	"github.com/wispchat/backend/internal/auth"
	"github.com/wispchat/backend/internal/config"
	"github.com/wispchat/backend/internal/domain"
	"github.com/wispchat/backend/internal/fcm"
	"github.com/wispchat/backend/internal/middleware"
	"github.com/wispchat/backend/internal/notify"
	"github.com/wispchat/backend/internal/repository"
	"github.com/wispchat/backend/internal/storage"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting Wisp API",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
	)

	// Initialize database
	ctx := context.Background()
	db, err := initDatabase(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database")

	// Initialize dependencies
	store := repository.NewPostgresStore(db)
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessExpiry)

	// Initialize Firebase
	fcmClient, err := fcm.NewClient(ctx, logger, os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	if err != nil {
		logger.Warn("Failed to initialize Firebase client - push notifications will be disabled", zap.Error(err))
	} else {
		logger.Info("Firebase client initialized")
	}

	// Initialize storage
	fileStorage, err := initStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize file storage", zap.Error(err))
	}

	// Change feed wires services to websocket and push delivery
	feed := notify.NewChangeFeed(cfg.Ephemeral.FeedBuffer, logger)

	// Initialize services
	clock := domain.RealClock{}
	snapService := domain.NewSnapService(store, fileStorage, feed, clock, logger)
	msgService := domain.NewMessageService(store, store, fileStorage, feed, clock, cfg.Ephemeral.ViewDurationSeconds, logger)
	convService := domain.NewConversationService(store, store, fileStorage, feed, clock, logger)

	// Initialize WebSocket manager
	wsManager := api.NewWebSocketManager(logger)
	go wsManager.Run()
	wsManager.ListenFeed(feed)

	// Push relay forwards created events to FCM
	relayCtx, relayCancel := context.WithCancel(ctx)
	var pushRelay *notify.PushRelay
	if fcmClient != nil {
		pushRelay = notify.NewPushRelay(feed, fcmClient, store, logger)
		pushRelay.Start(relayCtx)
	}

	// Initialize handlers
	identityProvider := middleware.ContextIdentityProvider{}
	snapHandler := api.NewSnapHandler(snapService, identityProvider, logger)
	convHandler := api.NewConversationHandler(convService, msgService, wsManager, store, identityProvider, logger)
	healthHandler := api.NewHealthHandler(db)

	// Initialize router
	router := api.NewRouter(snapHandler, convHandler, healthHandler, jwtManager, cfg.Server.CORSAllowedOrigins, logger)
	r := router.Setup()

	// Start sweep worker
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	repository.StartSweepWorker(sweepCtx, cfg.Ephemeral.SweepInterval, func(ctx context.Context) {
		if n, err := snapService.SweepExpired(ctx); err != nil {
			logger.Warn("Snap sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("Snap sweep removed units", zap.Int("count", n))
		}
		if n, err := convService.SweepAll(ctx); err != nil {
			logger.Warn("Conversation sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("Conversation sweep removed units", zap.Int("count", n))
		}
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop background workers
	sweepCancel()
	relayCancel()
	if pushRelay != nil {
		pushRelay.Stop()
	}
	wsManager.StopListening()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func initStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.FileStorage, error) {
	if cfg.Storage.Type == "s3" {
		logger.Info("Using S3 file storage", zap.String("bucket", cfg.Storage.Bucket))
		return storage.NewS3Storage(ctx, cfg.Storage)
	}

	uploadDir := "./uploads"
	baseURL := fmt.Sprintf("http://localhost:%s/uploads", cfg.Server.Port)
	return storage.NewLocalFileStorage(uploadDir, baseURL)
}

func initDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
