package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/imageintake/common/config"
	"github.com/lyzr/imageintake/common/db"
	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/metrics"
	"github.com/lyzr/imageintake/common/queue"
	rediscommon "github.com/lyzr/imageintake/common/redis"
	"github.com/lyzr/imageintake/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// 3. Initialize database (only the postgres state backend uses it)
	if !options.skipDB && cfg.Cleanup.StateBackend == "postgres" {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize redis (queue, locks, notifications and rate limiting share one pool)
	if !options.skipRedis && (needsRedis(cfg) || options.requireRedis) {
		components.Redis, err = rediscommon.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing redis")
			return components.Redis.Close()
		})
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		components.Logger.Info("initializing queue",
			"type", cfg.Queue.Type,
		)

		switch cfg.Queue.Type {
		case "memory":
			components.Queue = queue.NewMemoryQueue(components.Logger)
		case "redis":
			if components.Redis == nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("redis queue requires a redis connection")
			}
			components.Queue = queue.NewRedisStreamQueue(components.Redis, queue.StreamOptions{
				Group:    cfg.Queue.Group,
				Consumer: cfg.Queue.Consumer,
			}, components.Logger)
		default:
			components.Shutdown(ctx)
			return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Metrics
	switch {
	case options.customMetrics != nil:
		components.Metrics = options.customMetrics
	case cfg.Telemetry.EnableMetrics:
		components.Metrics = metrics.NewProm("intake", nil)
	default:
		components.Metrics = metrics.Noop{}
	}

	// 7. Initialize telemetry (if not skipped)
	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(telemetry.Options{
			ServiceName:   serviceName,
			EnablePprof:   cfg.Telemetry.EnablePprof,
			PprofPort:     cfg.Telemetry.PprofPort,
			EnableMetrics: cfg.Telemetry.EnableMetrics,
			MetricsPort:   cfg.Telemetry.MetricsPort,
			EnableTracing: cfg.Telemetry.EnableTracing,
		}, components.Logger)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
		components.addCleanup(func() error {
			return components.Telemetry.Shutdown(context.Background())
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Queue.Type == "redis" || cfg.Cleanup.LockBackend == "redis" || cfg.Notify.Backend == "redis"
}
