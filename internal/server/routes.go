package server

import (
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
	"github.com/OFFIS-RIT/kbmerge/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Redirects
	apiRoutes.GET("/resolve/:collection/:key", routes.GetResolveHandler)

	// Review queue
	apiRoutes.GET("/reviews", routes.GetReviewsHandler, middleware.RequireAnyPermission(middleware.PermReviewView, middleware.PermReviewResolve))
	apiRoutes.POST("/reviews/:key/resolve", routes.PostResolveReviewHandler, middleware.RequirePermission(middleware.PermReviewResolve))

	// Audit trail
	auditRead := middleware.RequireAnyPermission(middleware.PermAuditView, middleware.PermAuditRollback)
	apiRoutes.GET("/history/:collection/:key", routes.GetHistoryHandler, auditRead)
	apiRoutes.GET("/merges/:id", routes.GetMergeHandler, auditRead)
	apiRoutes.POST("/merges/:id/rollback", routes.PostRollbackHandler, middleware.RequirePermission(middleware.PermAuditRollback))

	// Passes
	apiRoutes.POST("/passes", routes.PostPassesHandler, middleware.RequirePermission(middleware.PermMergeRun))
}
