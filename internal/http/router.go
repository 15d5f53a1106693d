// Package httpapi wires the HTTP transport (Gin) to the engine services,
// middleware, and route handlers. Observability comes first (OTel, request
// IDs, structured logs, Prometheus), then protection (recovery, body limit,
// edge rate limit, CORS, security headers), then the routes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/config"
	"github.com/panelgrid/go-bot-guard/internal/http/handlers"
	"github.com/panelgrid/go-bot-guard/internal/http/middleware"
	"github.com/panelgrid/go-bot-guard/internal/panel"
	"github.com/panelgrid/go-bot-guard/internal/services"
)

// RegisterRoutes attaches all middleware and endpoints to the Gin engine.
//
// Middleware order:
//  1. OpenTelemetry tracing
//  2. RequestID
//  3. Structured logging
//  4. Recovery
//  5. Body size limit (256 KiB; this API only carries small JSON)
//  6. Prometheus metrics (+ /metrics endpoint)
//  7. Edge token-bucket rate limiter per client IP
//  8. gzip, CORS, security headers
//
// The constructed handler is returned so the host process can run its
// background pieces (the expiry sweeper) on its own lifecycle.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, pc panel.Client, cfg config.Config) *handlers.Handler {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(256 << 10))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	edge := middleware.NewEdgeLimiter(cfg.RateRPS, cfg.RateBurst)
	r.Use(edge.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(cors.New(corsConfig(cfg)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := buildHandler(db, pc, cfg)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.BearerAuth(cfg.AdminToken))
	{
		// Dispatcher surface
		api.POST("/decisions", h.Decide)
		api.POST("/commands/complete", h.CompleteCommand)
		api.POST("/conversations/reply", h.ConversationReply)
		api.POST("/conversations/registration", h.StartRegistration)

		// Operator surface
		api.GET("/owners/:owner_id/settings", h.GetSettings)
		api.PUT("/owners/:owner_id/settings", h.UpdateSettings)
		api.GET("/owners/:owner_id/override-groups", h.ListOverrideGroups)
		api.POST("/owners/:owner_id/override-groups", h.AddOverrideGroup)
		api.DELETE("/owners/:owner_id/override-groups/:jid", h.RemoveOverrideGroup)
		api.GET("/owners/:owner_id/mappings", h.ListMappings)
		api.PATCH("/owners/:owner_id/mappings/:id", h.PatchMapping)
		api.POST("/sweep", h.Sweep)
	}

	return h
}

// buildHandler performs the dependency injection: services ← repo/db/panel.
func buildHandler(db *gorm.DB, pc panel.Client, cfg config.Config) *handlers.Handler {
	tasks := services.NewTaskRunner(10 * time.Second)
	settings := services.NewSettingsService(db)
	claims := services.NewClaimService(db)
	mappings := services.NewMappingService(db, pc, tasks)
	cooldowns := services.NewCooldownService(db)
	overrides := services.NewOverrideService(db, settings)

	conv := services.NewConversationService(db, pc, claims, mappings)
	conv.TTL = cfg.ConversationTTL
	conv.MaxAttempts = cfg.MaxVerifyAttempts

	pipe := services.NewPipeline(settings, services.NewRateLimiter(), cooldowns, claims, mappings)
	pipe.MappingResolution = cfg.MappingResolution

	return &handlers.Handler{
		DB:            db,
		Pipeline:      pipe,
		Conversations: conv,
		Claims:        claims,
		Cooldowns:     cooldowns,
		Settings:      settings,
		Overrides:     overrides,
		Sweeper: &services.Sweeper{
			Cooldowns:     cooldowns,
			Conversations: conv,
			Rate:          pipe.Rate,
			Interval:      cfg.SweepInterval,
		},
		DefaultCountryCode: cfg.DefaultCountryCode,
	}
}

// corsConfig builds the CORS posture: allow-all when no origins are
// configured (dev), otherwise the explicit allow-list.
func corsConfig(cfg config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	return c
}

// limitBody caps the request body size using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "" as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
