package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apimw "github.com/lyzr/imageintake/cmd/intake-api/middleware"
	"github.com/lyzr/imageintake/cmd/intake-api/routes"
	"github.com/lyzr/imageintake/common/bootstrap"
	"github.com/lyzr/imageintake/common/config"
	"github.com/lyzr/imageintake/common/container"
	"github.com/lyzr/imageintake/common/server"
)

const serviceName = "intake-api"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// the per-client limiter needs redis even when no backend does
	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg)}
	if cfg.Intake.UploadsPerMinute > 0 && os.Getenv("RATE_LIMIT_DISABLED") != "true" {
		opts = append(opts, bootstrap.WithRedis())
	}

	components, err := bootstrap.Setup(ctx, serviceName, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	// with an in-process queue nobody else can drain jobs or sweep
	if cfg.Queue.Type == "memory" {
		if err := serviceContainer.StartWorkers(ctx); err != nil {
			components.Logger.Error("failed to start embedded workers", "error", err)
			os.Exit(1)
		}
		go serviceContainer.NewSweeper().Start(ctx)
	}

	e := setupEcho()
	setupMiddleware(e, cfg)
	setupHealthCheck(e, components)
	routes.RegisterUploadRoutes(e, serviceContainer, os.Getenv("INTERNAL_SERVICE_SECRET"))

	startServer(ctx, e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, cfg *config.Config) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(apimw.RequestContext())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	// multipart framing adds a little on top of the file itself
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", cfg.Intake.MaxBytes/1024+64)))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": serviceName,
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})
}

// startServer serves until ctx ends, then drains in-flight uploads
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	addr := fmt.Sprintf(":%d", components.Config.Service.Port)
	srv := server.New(serviceName, addr, e, server.DefaultOptions(), components.Logger)
	if err := srv.Run(ctx); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
