// Package httpapi wires the gin engine: cross-cutting middleware, the
// versioned command API, webhook ingress, health, metrics, and API docs.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/voiceops-backend/internal/config"
	"github.com/tbourn/voiceops-backend/internal/docs"
	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/http/handlers"
	"github.com/tbourn/voiceops-backend/internal/http/middleware"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/services"
)

// maxBodyBytes caps request bodies; GitHub webhook payloads stay well below it.
const maxBodyBytes = 1 << 20

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger (attaches the request logger)
//  4. Recovery
//  5. body limit, metrics, gzip
//  6. CORS and security headers
//
// The API group adds Identity → IdempotencyValidator → rate limiter, so
// replays of completed side effects skip the limiter. Webhook ingress is
// authenticated by signature, not identity, and is limited per source.
func RegisterRoutes(r *gin.Engine, svc *services.Container, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/webhooks"})))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
		Expose:       []string{"ETag", "X-Command-ID"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(svc))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Engine:   svc.Engine,
		Pending:  svc.Broker,
		Audit:    svc.Audit,
		Tasks:    svc.Tracker,
		Policies: svc.Policies,
		Webhooks: svc.Webhooks,
	})
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())

	r.POST("/webhooks/:source", rl.Handler(), h.ReceiveWebhook)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		middleware.Identity(middleware.IdentityOptions{}),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: cfg.IdempotencyKeyMaxLen},
			completedKeyLookup(svc),
		),
		rl.Handler(),
	)
	{
		api.POST("/commands", h.PostCommand)
		api.GET("/commands", h.ListCommands)

		api.GET("/confirmations", h.ListConfirmations)
		api.POST("/confirmations/confirm", h.Confirm)
		api.POST("/confirmations/cancel", h.Cancel)

		api.GET("/actions", h.ListActions)
		api.GET("/actions/:id", h.GetAction)

		api.GET("/agent-tasks", h.ListAgentTasks)
		api.GET("/agent-tasks/:id", h.GetAgentTask)
		api.POST("/agent-tasks/:id/refresh", h.RefreshAgentTask)

		api.GET("/policies", h.ListPolicies)
		api.GET("/policies/:owner/:repo", h.GetPolicy)
		api.PUT("/policies/:owner/:repo", h.PutPolicy)
		api.DELETE("/policies/:owner/:repo", h.DeletePolicy)

		api.GET("/webhook-events", h.ListWebhookEvents)
	}
}

// completedKeyLookup reports whether userID already owns a succeeded action
// under key.
func completedKeyLookup(svc *services.Container) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, key string) (bool, error) {
		row, err := repo.GetActionLogByKey(ctx, svc.DB, userID, key)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return row.Status == domain.ActionSucceeded, nil
	}
}

// health pings the database with a short deadline.
func health(svc *services.Container) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := svc.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			handlers.Fail(c, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// corsMiddleware allows every origin without credentials when allowed is
// empty, otherwise only the listed origins.
func corsMiddleware(allowed []string) []gin.HandlerFunc {
	conf := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match",
		},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "X-Command-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowed) == 0 {
		conf.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO even without an Origin header, for simple health probes
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(conf),
		}
	}
	conf.AllowOrigins = allowed
	return []gin.HandlerFunc{cors.New(conf)}
}

// limitBody caps request bodies at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
