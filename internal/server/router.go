package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loangraph/loansync/internal/config"
	"github.com/loangraph/loansync/internal/http/handlers"
	"github.com/loangraph/loansync/internal/http/middleware"
	"github.com/loangraph/loansync/internal/version"
	"github.com/loangraph/loansync/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBodyBytes = 1 << 20

type Dependencies struct {
	// Pingers back /ready, keyed by dependency name.
	Pingers     map[string]handlers.Pinger
	LoanHandler *handlers.LoanHandler
	// ArchiveHandler is nil when no snapshot archive is configured.
	ArchiveHandler *handlers.ArchiveHandler
	WSHandler      *ws.Handler
	Gatherer       prometheus.Gatherer
	// ReloadRPS bounds manual reloads; zero disables the limit.
	ReloadRPS float64
}

func NewRouter(cfg config.Config, logger *slog.Logger, deps Dependencies) *gin.Engine {
	if cfg.Env == "prod" || cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.RequestBodyLimit(maxRequestBodyBytes))

	health := handlers.NewHealthHandler(deps.Pingers)
	meta := handlers.NewMetaHandler(cfg.Env, version.Version, cfg.LoanSchema)

	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.GET("/v1/meta", meta.GetMeta)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.LoanHandler != nil {
		v1 := r.Group("/v1")
		v1.GET("/subscriptions", deps.LoanHandler.ListSubscriptions)

		pools := v1.Group("/pools/:pool")
		pools.GET("/loans", deps.LoanHandler.ListLoans)
		pools.GET("/pending", deps.LoanHandler.ListPending)
		pools.POST("/reload", middleware.RateLimit(deps.ReloadRPS, 5), deps.LoanHandler.Reload)
		pools.DELETE("/subscription", deps.LoanHandler.Unsubscribe)
		if deps.ArchiveHandler != nil {
			pools.GET("/archive", deps.ArchiveHandler.ListArchived)
		}
	}
	if deps.WSHandler != nil {
		r.GET("/ws", deps.WSHandler.HandleWebSocket)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
