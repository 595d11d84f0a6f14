package container

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lyzr/imageintake/common/bootstrap"
	"github.com/lyzr/imageintake/common/cache"
	"github.com/lyzr/imageintake/common/convert"
	"github.com/lyzr/imageintake/common/intake"
	"github.com/lyzr/imageintake/common/lifecycle"
	"github.com/lyzr/imageintake/common/notify"
	"github.com/lyzr/imageintake/common/quarantine"
	"github.com/lyzr/imageintake/common/queue"
	"github.com/lyzr/imageintake/common/ratelimit"
	"github.com/lyzr/imageintake/common/scanner"
	"github.com/lyzr/imageintake/common/validation"
	"go.opentelemetry.io/otel"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Quarantine   *quarantine.Store
	Validator    *validation.Validator
	Scanner      *scanner.Scanner
	VerdictCache *cache.VerdictCache
	Pipeline     *convert.Pipeline
	States       lifecycle.StateStore
	Locks        lifecycle.LockManager
	Machine      *lifecycle.Machine
	Notifier     notify.Notifier
	RateLimiter  *ratelimit.RateLimiter

	IntakeService *intake.Service
}

// NewContainer initializes all services once, bottom-up
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger
	c := &Container{Components: components}

	var err error
	c.Quarantine, err = quarantine.New(cfg.Quarantine.Root, quarantine.Options{
		MaxAttempts: cfg.Quarantine.MaxAttempts,
		TTL:         cfg.Quarantine.TTL,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("open quarantine: %w", err)
	}
	if err := os.MkdirAll(cfg.Intake.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	c.Validator = validation.New(cfg.ValidationLimits())
	c.VerdictCache = cache.NewVerdictCache(cfg.Scanner.CacheSize, cfg.Scanner.CacheTTL, log)
	c.Scanner = newScanner(cfg.Scanner.RulesFile, scanner.Options{
		MaxScanBytes: cfg.Scanner.MaxScanBytes,
		Timeout:      cfg.Scanner.Timeout,
		Cache:        c.VerdictCache,
		Logger:       log,
	}, log)

	capability := convert.ParseCapability(cfg.Encode.Backend)
	c.Pipeline = convert.NewPipeline(capability, log, convert.WithConcurrency(cfg.Encode.Concurrency))
	log.Info("conversion backend selected", "requested", cfg.Encode.Backend, "backend", c.Pipeline.Capability().String())

	if c.States, err = newStateStore(ctx, components); err != nil {
		return nil, err
	}
	if c.Locks, err = newLocks(components); err != nil {
		return nil, err
	}
	c.Machine = lifecycle.NewMachine(c.States, c.Locks, lifecycle.Options{
		LockWait:        cfg.Cleanup.LockTimeout,
		LockTTL:         cfg.Cleanup.LockTTL,
		JobTTL:          cfg.Cleanup.JobTTL,
		FailedRetention: cfg.Cleanup.FailedRetention,
		Artifacts:       c.Quarantine,
		Logger:          log,
	})

	if c.Notifier, err = newNotifier(components); err != nil {
		return nil, err
	}

	if components.Redis != nil {
		c.RateLimiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log).
			WithStandardLimit(cfg.Intake.UploadsPerMinute)
	}

	snap, err := cfg.PipelineSnapshot()
	if err != nil {
		return nil, err
	}
	c.IntakeService, err = intake.NewService(&intake.ServiceOpts{
		Validator:    c.Validator,
		Store:        c.Quarantine,
		Scanner:      c.Scanner,
		Converter:    c.Pipeline,
		Tracker:      c.Machine,
		Dispatcher:   components.Queue,
		Notifier:     c.Notifier,
		Metrics:      components.Metrics,
		Tracer:       otel.Tracer("github.com/lyzr/imageintake/common/intake"),
		Logger:       log,
		Snapshot:     snap,
		OutputDir:    cfg.Intake.OutputDir,
		KeepOriginal: cfg.Intake.KeepOriginal,
		SyncMaxBytes: cfg.Intake.SyncMaxBytes,
		SyncRate:     cfg.Intake.SyncRate,
		SyncBurst:    cfg.Intake.SyncBurst,
		RenewEvery:   cfg.Cleanup.LockTTL / 3,
		Owner:        cfg.Service.Name + "-" + cfg.Queue.Consumer,
	})
	if err != nil {
		return nil, fmt.Errorf("create intake service: %w", err)
	}
	return c, nil
}

// StartWorkers subscribes Queue.Workers conversion workers to the job topic
func (c *Container) StartWorkers(ctx context.Context) error {
	q := c.Components.Queue
	if q == nil {
		return errors.New("no queue configured")
	}
	n := c.Components.Config.Queue.Workers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := q.Subscribe(ctx, queue.TopicConversionJobs, c.IntakeService.HandleMessage); err != nil {
			return fmt.Errorf("subscribe worker %d: %w", i, err)
		}
	}
	c.Components.Logger.Info("conversion workers started", "workers", n, "queue", c.Components.Config.Queue.Type)
	return nil
}

// NewSweeper builds the cleanup sweeper and reports its work as metrics
func (c *Container) NewSweeper() *lifecycle.Sweeper {
	m := c.Components.Metrics
	return lifecycle.NewSweeper(c.Machine, c.Components.Logger).
		WithInterval(c.Components.Config.Cleanup.SweepInterval).
		OnSweep(func(r lifecycle.SweepReport) {
			m.AddSwept("expired", r.Expired)
			m.AddSwept("records", r.PurgedRecords)
			m.AddSwept("artifacts", r.PurgedArtifacts)
			m.AddSwept("orphans", r.Orphans)
			m.AddSwept("temp", r.TempFiles)
		})
}

// newScanner fails closed: a rule pack that does not compile yields a
// scanner that answers every scan as unavailable
func newScanner(rulesFile string, opts scanner.Options, log scanner.Logger) *scanner.Scanner {
	if rulesFile != "" {
		rules, err := scanner.LoadRuleFile(rulesFile)
		if err != nil {
			log.Error("scanner rules could not be loaded, uploads will be rejected", "file", rulesFile, "error", err)
			return scanner.Disabled(err, log)
		}
		opts.Rules = rules
	}
	s, err := scanner.New(opts)
	if err != nil {
		log.Error("scanner rules could not be compiled, uploads will be rejected", "file", rulesFile, "error", err)
		return scanner.Disabled(err, log)
	}
	log.Info("threat scanner ready", "rules", len(s.Rules()))
	return s
}

func newStateStore(ctx context.Context, components *bootstrap.Components) (lifecycle.StateStore, error) {
	cfg := components.Config
	switch cfg.Cleanup.StateBackend {
	case "memory":
		components.Logger.Warn("job state is kept in memory and is lost on restart")
		return lifecycle.NewMemoryStore(), nil
	case "sqlite":
		st, err := lifecycle.OpenSQLite(ctx, cfg.Cleanup.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite state store: %w", err)
		}
		components.OnShutdown(st.Close)
		return st, nil
	case "postgres":
		if components.DB == nil {
			return nil, errors.New("postgres state backend requires a database connection")
		}
		st := lifecycle.NewPostgresStore(components.DB.Pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres state store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown state backend: %q", cfg.Cleanup.StateBackend)
	}
}

func newLocks(components *bootstrap.Components) (lifecycle.LockManager, error) {
	switch components.Config.Cleanup.LockBackend {
	case "memory":
		return lifecycle.NewMemoryLocks(), nil
	case "redis":
		if components.Redis == nil {
			return nil, errors.New("redis lock backend requires a redis connection")
		}
		return lifecycle.NewRedisLocks(components.Redis.GetUnderlying()), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %q", components.Config.Cleanup.LockBackend)
	}
}

func newNotifier(components *bootstrap.Components) (notify.Notifier, error) {
	cfg := components.Config
	switch cfg.Notify.Backend {
	case "", "none":
		return notify.Noop{}, nil
	case "redis":
		if components.Redis == nil {
			return nil, errors.New("redis notifications require a redis connection")
		}
		return notify.NewRedisNotifier(components.Redis.GetUnderlying(), cfg.Notify.Channel), nil
	case "nats":
		conn, err := notify.ConnectNATS(cfg.Notify.NATSURL, components.Logger)
		if err != nil {
			return nil, err
		}
		components.OnShutdown(func() error {
			return conn.Drain()
		})
		return notify.NewNATSNotifier(conn, cfg.Notify.Channel), nil
	default:
		return nil, fmt.Errorf("unknown notify backend: %q", cfg.Notify.Backend)
	}
}
