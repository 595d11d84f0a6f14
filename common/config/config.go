package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/quarantine"
	"github.com/lyzr/imageintake/common/validation"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Telemetry  TelemetryConfig
	Intake     IntakeConfig
	Quarantine QuarantineConfig
	Encode     EncodeConfig
	Cleanup    CleanupConfig
	Scanner    ScannerConfig
	Notify     NotifyConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds background job dispatch settings
type QueueConfig struct {
	Type     string // memory or redis
	Group    string
	Consumer string
	Workers  int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableTracing bool
	EnableMetrics bool
	MetricsPort   int
}

// IntakeConfig holds the ingest limits and sync/deferred admission
type IntakeConfig struct {
	MaxBytes      int64
	MinDimension  int
	MaxEdge       int
	MaxMegapixels float64
	AllowedMIME   map[string]string
	ProbeTimeout  time.Duration

	// OutputDir is where canonical outputs are published; never inside the quarantine root
	OutputDir    string
	KeepOriginal bool

	// Uploads above SyncMaxBytes always defer; below it SyncRate/SyncBurst admit
	SyncMaxBytes int64
	SyncRate     float64
	SyncBurst    int

	UploadsPerMinute int64
}

// QuarantineConfig holds the quarantine store settings
type QuarantineConfig struct {
	Root        string
	MaxAttempts int
	TTL         time.Duration
}

// EncodeConfig holds per-format conversion parameters
type EncodeConfig struct {
	Backend     string // auto, baseline, accelerated
	Concurrency int

	Targets        []string
	MaxOutputBytes int64
	MaxOutputEdge  int

	JPEGQuality        int
	JPEGProgressiveMin int

	WebPQuality float64
	WebPEffort  int
	WebPAlpha   bool

	PNGCompression string
	PNGStrategy    string
	PNGFilter      string
	PNGStrip       string
	PNGStripChunks []string

	GIFMaxFrames int
	GIFResample  string
	GIFPreserve  bool
}

// CleanupConfig holds the lifecycle and sweeper settings
type CleanupConfig struct {
	StateBackend    string // memory, sqlite, postgres
	SQLitePath      string
	LockBackend     string // memory, redis
	LockTimeout     time.Duration
	LockTTL         time.Duration
	JobTTL          time.Duration
	FailedRetention time.Duration
	SweepInterval   time.Duration
}

// ScannerConfig holds threat scanner settings
type ScannerConfig struct {
	Timeout      time.Duration
	MaxScanBytes int64
	RulesFile    string
	CacheSize    int
	CacheTTL     time.Duration
}

// NotifyConfig selects how job completion is announced
type NotifyConfig struct {
	Backend string // none, redis, nats
	Channel string
	NATSURL string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	limits := validation.DefaultLimits()
	snap := models.DefaultPipelineSnapshot()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "intake"),
			User:        getEnv("POSTGRES_USER", "intake"),
			Password:    getEnv("POSTGRES_PASSWORD", "intake"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type:     getEnv("QUEUE_TYPE", "memory"),
			Group:    getEnv("QUEUE_GROUP", "intake-workers"),
			Consumer: getEnv("QUEUE_CONSUMER", hostname()),
			Workers:  getEnvInt("QUEUE_WORKERS", 4),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableTracing: getEnvBool("ENABLE_TRACING", false),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Intake: IntakeConfig{
			MaxBytes:         getEnvInt64("INTAKE_MAX_BYTES", limits.MaxBytes),
			MinDimension:     getEnvInt("INTAKE_MIN_DIMENSION", limits.MinDimension),
			MaxEdge:          getEnvInt("INTAKE_MAX_EDGE", limits.MaxEdge),
			MaxMegapixels:    getEnvFloat("INTAKE_MAX_MEGAPIXELS", limits.MaxMegapixels),
			AllowedMIME:      getEnvMap("INTAKE_ALLOWED_MIME", limits.AllowedMIME),
			ProbeTimeout:     getEnvDuration("INTAKE_PROBE_TIMEOUT", limits.ProbeTimeout),
			OutputDir:        getEnv("INTAKE_OUTPUT_DIR", "./data/public"),
			KeepOriginal:     getEnvBool("INTAKE_KEEP_ORIGINAL", false),
			SyncMaxBytes:     getEnvInt64("INTAKE_SYNC_MAX_BYTES", 2<<20),
			SyncRate:         getEnvFloat("INTAKE_SYNC_RATE", 20),
			SyncBurst:        getEnvInt("INTAKE_SYNC_BURST", 40),
			UploadsPerMinute: getEnvInt64("RATE_LIMIT_UPLOADS_PER_MINUTE", 30),
		},
		Quarantine: QuarantineConfig{
			Root:        getEnv("QUARANTINE_ROOT", "./data/quarantine"),
			MaxAttempts: getEnvInt("QUARANTINE_MAX_ATTEMPTS", 8),
			TTL:         getEnvDuration("QUARANTINE_TTL", time.Hour),
		},
		Encode: EncodeConfig{
			Backend:            getEnv("CODEC_BACKEND", "auto"),
			Concurrency:        getEnvInt("CONVERT_CONCURRENCY", 4),
			Targets:            getEnvSlice("ENCODE_TARGETS", formatNames(snap.Targets)),
			MaxOutputBytes:     getEnvInt64("ENCODE_MAX_OUTPUT_BYTES", snap.MaxOutputBytes),
			MaxOutputEdge:      getEnvInt("ENCODE_MAX_EDGE", snap.MaxOutputEdge),
			JPEGQuality:        getEnvInt("ENCODE_JPEG_QUALITY", snap.JPEG.Quality),
			JPEGProgressiveMin: getEnvInt("ENCODE_JPEG_PROGRESSIVE_MIN", snap.JPEG.ProgressiveMinDimension),
			WebPQuality:        getEnvFloat("ENCODE_WEBP_QUALITY", float64(snap.WebP.Quality)),
			WebPEffort:         getEnvInt("ENCODE_WEBP_EFFORT", snap.WebP.Effort),
			WebPAlpha:          getEnvBool("ENCODE_WEBP_ALPHA", snap.WebP.AlphaForcesWebP),
			PNGCompression:     getEnv("ENCODE_PNG_COMPRESSION", snap.PNG.CompressionLevel),
			PNGStrategy:        getEnv("ENCODE_PNG_STRATEGY", snap.PNG.Strategy),
			PNGFilter:          getEnv("ENCODE_PNG_FILTER", snap.PNG.Filter),
			PNGStrip:           getEnv("ENCODE_PNG_STRIP", snap.PNG.StripPolicy),
			PNGStripChunks:     getEnvSlice("ENCODE_PNG_STRIP_CHUNKS", nil),
			GIFMaxFrames:       getEnvInt("ENCODE_GIF_MAX_FRAMES", snap.GIF.MaxFrames),
			GIFResample:        getEnv("ENCODE_GIF_RESAMPLE", snap.GIF.Resample),
			GIFPreserve:        getEnvBool("ENCODE_GIF_PRESERVE", snap.GIF.PreserveAnimation),
		},
		Cleanup: CleanupConfig{
			StateBackend:    getEnv("STATE_BACKEND", "sqlite"),
			SQLitePath:      getEnv("STATE_SQLITE_PATH", "./data/intake-state.db"),
			LockBackend:     getEnv("LOCK_BACKEND", "memory"),
			LockTimeout:     getEnvDuration("CLEANUP_LOCK_TIMEOUT", 2*time.Second),
			LockTTL:         getEnvDuration("CLEANUP_LOCK_TTL", 30*time.Second),
			JobTTL:          getEnvDuration("CLEANUP_JOB_TTL", 15*time.Minute),
			FailedRetention: getEnvDuration("CLEANUP_FAILED_RETENTION", 10*time.Minute),
			SweepInterval:   getEnvDuration("CLEANUP_SWEEP_INTERVAL", time.Minute),
		},
		Scanner: ScannerConfig{
			Timeout:      getEnvDuration("SCANNER_TIMEOUT", 5*time.Second),
			MaxScanBytes: getEnvInt64("SCANNER_MAX_BYTES", 16<<20),
			RulesFile:    getEnv("INTAKE_SCANNER_RULES", ""),
			CacheSize:    getEnvInt("SCANNER_CACHE_SIZE", 4096),
			CacheTTL:     getEnvDuration("SCANNER_CACHE_TTL", time.Hour),
		},
		Notify: NotifyConfig{
			Backend: getEnv("NOTIFY_BACKEND", "none"),
			Channel: getEnv("NOTIFY_CHANNEL", "intake.uploads"),
			NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if err := quarantine.CheckLocalRoot(c.Quarantine.Root); err != nil {
		return fmt.Errorf("quarantine root: %w", err)
	}
	if c.Quarantine.MaxAttempts < 1 {
		return fmt.Errorf("quarantine max attempts must be >= 1")
	}
	if c.Intake.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	if inside, err := within(c.Quarantine.Root, c.Intake.OutputDir); err != nil {
		return err
	} else if inside {
		return fmt.Errorf("output dir %q must not be inside the quarantine root", c.Intake.OutputDir)
	}

	if c.Intake.MaxBytes <= 0 {
		return fmt.Errorf("intake max bytes must be > 0")
	}
	if c.Intake.MinDimension < 1 {
		return fmt.Errorf("intake min dimension must be >= 1")
	}
	if c.Intake.MaxEdge > 0 && c.Intake.MaxEdge < c.Intake.MinDimension {
		return fmt.Errorf("intake max edge must be >= min dimension")
	}
	if c.Intake.MaxMegapixels <= 0 {
		return fmt.Errorf("intake max megapixels must be > 0")
	}
	if len(c.Intake.AllowedMIME) == 0 {
		return fmt.Errorf("at least one allowed mime type is required")
	}

	if c.Scanner.MaxScanBytes < c.Intake.MaxBytes {
		return fmt.Errorf("scanner max bytes (%d) must be >= intake max bytes (%d)", c.Scanner.MaxScanBytes, c.Intake.MaxBytes)
	}

	if _, err := c.PipelineSnapshot(); err != nil {
		return err
	}

	switch c.Cleanup.StateBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown state backend: %q", c.Cleanup.StateBackend)
	}
	switch c.Cleanup.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown lock backend: %q", c.Cleanup.LockBackend)
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue type: %q", c.Queue.Type)
	}
	switch c.Notify.Backend {
	case "none", "redis", "nats":
	default:
		return fmt.Errorf("unknown notify backend: %q", c.Notify.Backend)
	}
	if c.Cleanup.LockTimeout <= 0 || c.Cleanup.JobTTL <= 0 {
		return fmt.Errorf("lock timeout and job ttl must be > 0")
	}

	return nil
}

// ValidationLimits returns the ingest limits as an immutable value
func (c *Config) ValidationLimits() validation.Limits {
	allowed := make(map[string]string, len(c.Intake.AllowedMIME))
	for k, v := range c.Intake.AllowedMIME {
		allowed[k] = v
	}
	return validation.Limits{
		MaxBytes:      c.Intake.MaxBytes,
		MinDimension:  c.Intake.MinDimension,
		MaxEdge:       c.Intake.MaxEdge,
		MaxMegapixels: c.Intake.MaxMegapixels,
		AllowedMIME:   allowed,
		ProbeTimeout:  c.Intake.ProbeTimeout,
	}
}

// PipelineSnapshot returns the validated base conversion settings
func (c *Config) PipelineSnapshot() (models.PipelineSnapshot, error) {
	e := c.Encode
	targets := make([]models.OutputFormat, 0, len(e.Targets))
	for _, t := range e.Targets {
		targets = append(targets, models.OutputFormat(strings.ToLower(strings.TrimSpace(t))))
	}
	snap := models.PipelineSnapshot{
		Targets:        targets,
		MaxOutputBytes: e.MaxOutputBytes,
		MaxOutputEdge:  e.MaxOutputEdge,
		JPEG:           models.JPEGParams{Quality: e.JPEGQuality, ProgressiveMinDimension: e.JPEGProgressiveMin},
		WebP:           models.WebPParams{Quality: float32(e.WebPQuality), Effort: e.WebPEffort, AlphaForcesWebP: e.WebPAlpha},
		PNG: models.PNGParams{
			CompressionLevel: e.PNGCompression,
			Strategy:         e.PNGStrategy,
			Filter:           e.PNGFilter,
			StripPolicy:      e.PNGStrip,
			StripChunks:      append([]string(nil), e.PNGStripChunks...),
		},
		GIF: models.GIFParams{MaxFrames: e.GIFMaxFrames, Resample: e.GIFResample, PreserveAnimation: e.GIFPreserve},
	}
	if err := snap.Validate(); err != nil {
		return models.PipelineSnapshot{}, fmt.Errorf("encode config: %w", err)
	}
	return snap, nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func within(root, p string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absP)
	if err != nil {
		return false, nil
	}
	return rel == "." || filepath.IsLocal(rel), nil
}

func formatNames(formats []models.OutputFormat) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSlice parses a comma-separated list
func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "image/jpeg=.jpg,image/png=.png"
func getEnvMap(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
