// @title           Realtime Service API
// @version         1.0
// @description     워크스페이스 실시간 채팅, 접속 상태, 알림 API
// @termsOfService  http://swagger.io/terms/

// @host      localhost:8003
// @BasePath  /api/realtime

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey InternalApiKey
// @in header
// @name X-Internal-Api-Key
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"realtime-service/internal/config"
	"realtime-service/internal/database"
	"realtime-service/internal/job"
	"realtime-service/internal/metrics"
	"realtime-service/internal/realtime"
	"realtime-service/internal/repository"
	"realtime-service/internal/router"
	"realtime-service/internal/service"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Realtime.NodeID == "" {
		cfg.Realtime.NodeID = uuid.NewString()
	}

	logger.Info("🔧 Starting Realtime Service",
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
		zap.String("base_path", cfg.Server.BasePath),
		zap.String("node_id", cfg.Realtime.NodeID),
		zap.Bool("relay", cfg.Realtime.Relay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(logger)

	// Redis 는 선택 사항: 없으면 캐시와 노드 간 릴레이 없이 동작한다
	redisClient, err := database.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("⚠️  Redis unavailable, unread cache and relay disabled", zap.Error(err))
		redisClient = nil
	}

	hubOpts := []realtime.HubOption{
		realtime.WithObserver(m),
		realtime.WithQueueSize(cfg.Realtime.QueueSize),
		realtime.WithNodeID(cfg.Realtime.NodeID),
	}
	if cfg.Realtime.Relay && redisClient != nil {
		hubOpts = append(hubOpts, realtime.WithRelay(realtime.NewRedisRelay(redisClient, cfg.Realtime.NodeID, logger)))
	}
	hub := realtime.NewHub(logger, hubOpts...)

	if cfg.Realtime.Relay && redisClient != nil {
		go func() {
			if err := hub.RunRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Relay stopped", zap.Error(err))
			}
		}()
	}

	deps := router.Dependencies{
		Hub:      hub,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Redis:    redisClient,
		DB:       database.GetDB,
	}
	sw := router.NewSwitch(router.Setup(cfg, deps, logger))

	// DB 연결은 백그라운드에서 재시도한다 (연결 전에도 서버는 뜬다)
	database.NewAsync(ctx, cfg, logger, func(db *gorm.DB) {
		notifications, messages := buildServices(cfg, db, redisClient, hub, m, logger)
		deps.Notifications = notifications
		deps.Messages = messages
		sw.Store(router.Setup(cfg, deps, logger))
		logger.Info("✅ API routes enabled")

		startCleanup(ctx, cfg, notifications, messages, logger)
		go reportDBStats(ctx, db, m)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           sw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 Realtime Service started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("Server exited gracefully")
}

func buildServices(
	cfg *config.Config,
	db *gorm.DB,
	redisClient *redis.Client,
	hub *realtime.Hub,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*service.NotificationService, *service.MessageService) {
	var cache *repository.UnreadCache
	if redisClient != nil {
		cache = repository.NewUnreadCache(redisClient, cfg.App.UnreadTTL())
	}

	notifications := service.NewNotificationService(
		repository.NewNotificationRepository(db),
		cache,
		hub,
		m,
		service.NotificationConfig{CleanupDays: cfg.App.CleanupDays, PageSize: cfg.App.PageSize},
		logger,
	)
	messages := service.NewMessageService(repository.NewMessageRepository(db), m, logger)
	return notifications, messages
}

func startCleanup(ctx context.Context, cfg *config.Config, notifications *service.NotificationService, messages *service.MessageService, logger *zap.Logger) {
	cleanup := job.NewCleanupJob(notifications, messages, cfg.App.MessageRetentionDays, logger)
	scheduler, err := job.NewScheduler(cfg.App.CleanupSchedule, cleanup, logger)
	if err != nil {
		logger.Error("Cleanup job disabled", zap.Error(err))
		return
	}
	scheduler.Start()
	logger.Info("Cleanup job scheduled", zap.String("schedule", cfg.App.CleanupSchedule))

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
}

func reportDBStats(ctx context.Context, db *gorm.DB, m *metrics.Metrics) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateDBStats(sqlDB.Stats())
		}
	}
}

// initLogger initializes the zap logger with the specified level
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      zapLevel == zapcore.DebugLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
