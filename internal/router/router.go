package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/handler"
	"github.com/stemsi/exstem-integrity/internal/middleware"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Assessment *handler.AssessmentHandler
	WS         *handler.WSHandler
	Monitor    *handler.MonitorHandler
	System     *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background middleware state such as rate limiter sweeps.
func SetupRouter(
	ctx context.Context,
	tokens *service.TokenService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID on every response, compression for large payloads.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Per-caller submission budget.
	submitLimiter := middleware.NewRateLimiter(ctx, 60, time.Minute)

	// ─── 1. Taker Group ────────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.NoStore())
	{
		// Link-only assessments accept takers without a token.
		api.GET("/assessments/:id/take",
			middleware.OptionalJWT(tokens),
			handlers.Assessment.TakeAssessment,
		)
		api.POST("/assessments/:id/submit",
			middleware.RequireJWT(tokens),
			submitLimiter.Middleware(),
			handlers.Assessment.SubmitAssessment,
		)
		api.GET("/sessions/:session_id/state",
			middleware.RequireJWT(tokens),
			handlers.Assessment.GetSessionState,
		)
	}

	// ─── 2. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(tokens))
	{
		ws.GET("/assessments/:id/session", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (JWT + Role) ─────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(
		middleware.RequireJWT(tokens),
		middleware.RequireRole(service.RoleProctor, service.RoleAdmin),
	)
	{
		proctorAPI.GET("/assessments/:id/monitor", handlers.Monitor.MonitorAssessmentSSE)
	}

	// ─── 4. Admin Group ────────────────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireJWT(tokens),
		middleware.RequireRole(service.RoleAdmin),
	)
	{
		adminAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
