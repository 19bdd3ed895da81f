// Package httpapi is the HTTP surface: ingestion boundary, operator retries, filter CRUD and health.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/metrics"
	"ListingRadar/internal/usecase"
)

// StatsSource reports store contents per status.
type StatsSource interface {
	Stats(ctx context.Context) (domain.Stats, error)
}

// Deps wires the use cases exposed over HTTP.
type Deps struct {
	Ingestor *usecase.Ingestor
	Retrier  *usecase.Retrier
	Filters  *usecase.FilterService
	Stats    StatsSource
	Logger   *slog.Logger
}

type handlers struct {
	ingestor *usecase.Ingestor
	retrier  *usecase.Retrier
	filters  *usecase.FilterService
	stats    StatsSource
	logger   *slog.Logger
}

// NewRouter constructs the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		ingestor: deps.Ingestor,
		retrier:  deps.Retrier,
		filters:  deps.Filters,
		stats:    deps.Stats,
		logger:   logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/messages", h.ingest)
	v1.POST("/messages/:channel/:message/retry", h.retryMessage)
	v1.POST("/deliveries/:id/retry", h.retryDelivery)
	v1.POST("/records/:id/dispatch", h.redispatch)
	v1.GET("/stats", h.getStats)

	filters := v1.Group("/filters")
	filters.POST("", h.createFilter)
	filters.GET("", h.listFilters)
	filters.GET("/:id", h.getFilter)
	filters.PUT("/:id", h.updateFilter)
	filters.DELETE("/:id", h.deleteFilter)

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
		)
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) getStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
