package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/graphsync-backend/internal/http/handlers"
	"github.com/yungbote/graphsync-backend/internal/http/middleware"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	SyncHandler    *handlers.SyncHandler
	AuthMiddleware *middleware.AuthMiddleware
	AllowOrigins   []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("graphsync"))
	router.Use(middleware.RequestLogger(cfg.Log))

	if len(cfg.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
			AllowCredentials: true,
		}))
	}

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		api.POST("/sync", cfg.SyncHandler.PostSync)
		api.GET("/sync/last", cfg.SyncHandler.GetLast)
		api.GET("/sync/runs", cfg.SyncHandler.ListRuns)
		api.POST("/sync/mappings/reload", cfg.SyncHandler.ReloadMappings)
	}

	return router
}
