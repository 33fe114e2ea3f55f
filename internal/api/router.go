package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hikari-project/FD-Reid/internal/api/handlers"
	"github.com/Hikari-project/FD-Reid/internal/api/ws"
	"github.com/Hikari-project/FD-Reid/internal/auth"
	"github.com/Hikari-project/FD-Reid/internal/eventlog"
)

type RouterConfig struct {
	APIKey     string
	Identities handlers.IdentityStore
	Snapshots  handlers.SnapshotLister // nil without an archive
	Control    handlers.Controller
	Counters   *eventlog.Counters
	LogDir     string
	Cooldown   time.Duration
	Hub        *ws.Hub
	Checks     map[string]handlers.Pinger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Counts
	countsH := handlers.NewCountsHandler(cfg.Counters, cfg.LogDir, cfg.Cooldown)
	v1.GET("/counts", countsH.Get)
	v1.POST("/counts/reset", countsH.Reset)
	v1.GET("/counts/daily", countsH.Daily)

	// Identities
	identityH := handlers.NewIdentityHandler(cfg.Identities, cfg.Snapshots)
	v1.GET("/identities", identityH.Summary)
	v1.GET("/identities/:id", identityH.Get)
	v1.GET("/identities/:id/snapshots", identityH.Snapshots)

	// Sources
	sourceH := handlers.NewSourceHandler(cfg.Control)
	v1.POST("/sources", sourceH.Start)
	v1.POST("/sources/:id/stop", sourceH.Stop)
	v1.PUT("/sources/:id/zone", sourceH.SetZone)

	return r
}
