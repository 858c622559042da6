package router

import (
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Proctor *handler.ProctorHandler
	WS      *handler.WSHandler
	Audit   *handler.AuditHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", handlers.System.Health)

	// Exit and retry actions: 30 per minute per student, shared across servers.
	controlLimiter := middleware.NewRateLimiter(rdb, "proctor_control", 30, time.Minute, log)
	// Stream (re)connects: 10 per minute per student.
	streamLimiter := middleware.NewRateLimiter(rdb, "secure_stream", 10, time.Minute, log)

	// ─── 1. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService, log),
	)
	{
		proctoring := studentAPI.Group("/assignments/:assignment_id/proctoring")
		proctoring.GET("", handlers.Proctor.GetSnapshot)
		proctoring.PUT("/answer", handlers.Proctor.UpdateAnswer)

		limited := proctoring.Group("", controlLimiter.Middleware())
		limited.POST("/exit", handlers.Proctor.RequestExit)
		limited.POST("/exit/confirm", handlers.Proctor.ConfirmExit)
		limited.POST("/exit/cancel", handlers.Proctor.CancelExit)
		limited.POST("/submission/retry", handlers.Proctor.RetrySubmission)
	}

	// ─── 2. WebSocket Group (token query param) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService, log),
		streamLimiter.Middleware(),
	)
	{
		ws.GET("/student/assignments/:assignment_id/secure", handlers.WS.SecureTestStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireAdminJWT(authService),
		middleware.Brotli(brotli.DefaultCompression, middleware.DefaultBrotliMinLength),
	)
	{
		proctoringRead := middleware.RequirePermission(string(model.PermissionProctoringRead))

		adminAPI.GET("/assignments/:id/audit", proctoringRead, handlers.Audit.ListAuditLogs)
		adminAPI.GET("/assignments/:id/submissions", proctoringRead, handlers.Audit.ListSubmissions)
		adminAPI.GET("/assignments/:id/monitor", proctoringRead, handlers.Monitor.MonitorAssignmentSSE)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			middleware.RequirePermission(string(model.PermissionSystemRead)),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
