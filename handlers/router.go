package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the API routes, CORS, response compression and the
// Prometheus endpoint.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowOrigins:     []string{"*"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	// promhttp compresses on its own.
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	api := router.Group("/api/v3")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/reports", h.SubmitReport)
		api.GET("/reports/flagged", h.ListFlagged)
		api.GET("/reports/:id/status", h.GetReportStatus)
		api.POST("/reports/:id/transition", h.TransitionReport)
		api.GET("/hotspots", h.GetHotspots)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
