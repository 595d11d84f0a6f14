package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/cmd/intake-api/handlers"
	"github.com/lyzr/imageintake/cmd/intake-api/middleware"
	"github.com/lyzr/imageintake/common/container"
	commonmw "github.com/lyzr/imageintake/common/middleware"
)

// RegisterUploadRoutes registers the upload intake routes
func RegisterUploadRoutes(e *echo.Echo, c *container.Container, internalSecret string) {
	cfg := c.Components.Config
	h := handlers.NewUploadHandler(c.IntakeService, cfg.Intake.MaxBytes, c.Components.Logger)

	uploads := e.Group("/api/v1/uploads")
	uploads.Use(middleware.ExtractSubject())
	{
		create := []echo.MiddlewareFunc{}
		if c.RateLimiter != nil {
			create = append(create, commonmw.UploadRateLimitMiddleware(c.RateLimiter, cfg.Intake.SyncMaxBytes, internalSecret))
		}
		uploads.POST("", h.CreateUpload, create...) // POST /api/v1/uploads
		uploads.GET("/:job", h.GetUpload)           // GET /api/v1/uploads/{job_id}
	}
}
