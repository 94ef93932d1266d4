package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/documents"
	"contract-backend/internal/progress"
	"contract-backend/internal/runs"
	"contract-backend/internal/services/health"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/server/respond"
	"contract-backend/internal/usage"
)

// RouterDeps carries the handlers the router wires up. Nil handlers are
// skipped so worker-only builds can reuse the same bootstrap.
type RouterDeps struct {
	Config   config.Config
	Verify   middleware.TokenVerifier
	Health   *health.Service
	Docs     *documents.Handler
	Runs     *runs.Handler
	Usage    *usage.Handler
	Progress *progress.Handler
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	// Liveness and metrics stay outside auth so probes and scrapers work
	// without identity.
	r.GET("/healthz", func(c *gin.Context) {
		payload := map[string]bool{"ok": true}
		if deps.Health != nil {
			payload = deps.Health.Status()
		}
		respond.JSON(c, http.StatusOK, payload)
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.Use(
		middleware.Auth(deps.Config.Env, deps.Verify),
		middleware.RateLimit(submitRateLimit()),
	)

	if deps.Docs != nil {
		deps.Docs.RegisterRoutes(api)
	}
	if deps.Runs != nil {
		deps.Runs.RegisterRoutes(api)
	}
	if deps.Usage != nil {
		deps.Usage.RegisterRoutes(api)
	}
	if deps.Progress != nil {
		deps.Progress.RegisterRoutes(api)
	}

	return r
}

// submitRateLimit throttles run submissions harder than reads: each submit
// claims quota and queue capacity.
func submitRateLimit() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Rules: map[string]middleware.RateLimitRule{
			"SUBMIT":  {Rate: 1, Burst: 5},
			"DEFAULT": {Rate: 20, Burst: 40},
		},
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodPost && strings.HasSuffix(c.FullPath(), "/analyze") {
				return "SUBMIT"
			}
			return "DEFAULT"
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
