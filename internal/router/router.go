package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"realtime-service/internal/config"
	"realtime-service/internal/handler"
	"realtime-service/internal/metrics"
	"realtime-service/internal/middleware"
	"realtime-service/internal/realtime"
	"realtime-service/internal/response"
	"realtime-service/internal/service"
)

// Dependencies are the components the HTTP surface is built on.
// Notifications and Messages stay nil until the database is connected;
// their routes answer 503 until then.
type Dependencies struct {
	Hub           *realtime.Hub
	Notifications *service.NotificationService
	Messages      *service.MessageService
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Redis         *redis.Client
	DB            func() *gorm.DB
	Validator     middleware.TokenValidator
}

func Setup(cfg *config.Config, deps Dependencies, logger *zap.Logger) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	validator := deps.Validator
	if validator == nil {
		validator = middleware.NewJWTValidator(cfg.Auth.SecretKey)
	}

	var recorder handler.ConnectionRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	var archiver handler.Archiver
	if deps.Messages != nil {
		archiver = deps.Messages
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(deps.DB, deps.Redis)
	presenceHandler := handler.NewPresenceHandler(service.NewPresenceService(deps.Hub, logger))
	wsHandler := handler.NewWSHandler(deps.Hub, archiver, recorder, middleware.ParseOrigins(cfg.Server.AllowedOrigins), logger)

	// Health endpoints (no auth)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(metricsHandler(deps.Gatherer)))

	api := r.Group(cfg.Server.BasePath)
	{
		api.GET("/health", healthHandler.Health)
		api.GET("/ready", healthHandler.Ready)

		// 브라우저 WebSocket 은 헤더를 보낼 수 없어 ?token= 으로 인증한다
		api.GET("/ws", middleware.Auth(validator), wsHandler.HandleWebSocket)

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(validator))
		{
			authenticated.GET("/presence/:workspaceId", presenceHandler.GetWorkspacePresence)

			if deps.Messages != nil {
				messageHandler := handler.NewMessageHandler(deps.Messages, logger)
				authenticated.GET("/messages/:workspaceId", messageHandler.GetMessages)
			} else {
				authenticated.GET("/messages/:workspaceId", unavailable)
			}

			notifications := authenticated.Group("/notifications")
			if deps.Notifications != nil {
				notificationHandler := handler.NewNotificationHandler(deps.Notifications, logger)
				notifications.GET("", notificationHandler.GetNotifications)
				notifications.GET("/unread-count", notificationHandler.GetUnreadCount)
				notifications.PATCH("/:id/read", notificationHandler.MarkAsRead)
				notifications.POST("/read", notificationHandler.MarkBatchAsRead)
				notifications.POST("/read-all", notificationHandler.MarkAllAsRead)

				internal := api.Group("/internal")
				internal.Use(middleware.InternalAPIKey(cfg.Auth.InternalAPIKey))
				internal.POST("/notifications", notificationHandler.CreateInternal)
			} else {
				notifications.Any("/*path", unavailable)
				api.POST("/internal/notifications", middleware.InternalAPIKey(cfg.Auth.InternalAPIKey), unavailable)
			}
		}
	}

	return r
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func unavailable(c *gin.Context) {
	response.SendError(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, "Database is not connected yet")
}
