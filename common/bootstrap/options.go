package bootstrap

import (
	"github.com/lyzr/imageintake/common/config"
	"github.com/lyzr/imageintake/common/db"
	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/metrics"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB        bool
	skipQueue     bool
	skipRedis     bool
	requireRedis  bool
	skipTelemetry bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	customMetrics metrics.Metrics
	dbInitHook    func(*db.DB) error
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutRedis skips the redis connection even when a backend asks for it
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithRedis connects to redis even when no configured backend needs it
// (the API's per-client rate limiter)
func WithRedis() Option {
	return func(o *options) {
		o.requireRedis = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithMetrics uses m instead of registering the prometheus collectors
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		o.customMetrics = m
	}
}

// WithDBInitHook runs a custom function after DB initialization
// Useful for running migrations
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
