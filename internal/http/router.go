package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/crowdsource-scripts/cityworks-sync/internal/config"
	"github.com/crowdsource-scripts/cityworks-sync/internal/http/handlers"
	"github.com/crowdsource-scripts/cityworks-sync/internal/http/middleware"
	"github.com/crowdsource-scripts/cityworks-sync/internal/service"
)

func Router(cfg config.Config, syncer *service.Syncer, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.HTTP.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.HTTP.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Syncer: syncer,
		Logger: logger,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/runs/latest", h.RunsLatest)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.HTTP.AdminKey))
	{
		admin.POST("/sync/run", h.SyncRun)
	}

	return r
}
