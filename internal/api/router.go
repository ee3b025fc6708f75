package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openphenome/forest-backend-go/internal/config"
	"github.com/openphenome/forest-backend-go/internal/handler"
	"github.com/openphenome/forest-backend-go/internal/middleware"
)

// SetupRouter wires the operational HTTP surface: task management under
// auth, plus unauthenticated health and metrics probes.
func SetupRouter(cfg *config.Config, logger *slog.Logger, tasks *handler.ForestTaskHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(100, time.Minute))
	api.Use(middleware.Auth(cfg.JWTSecret))
	{
		forestTasks := api.Group("/forest/tasks")
		{
			forestTasks.POST("", tasks.CreateTask)
			forestTasks.GET("", tasks.ListTasks)
			forestTasks.GET("/:external_id", tasks.GetTask)
			forestTasks.POST("/:external_id/cancel", tasks.CancelTask)
		}
	}

	return r
}
