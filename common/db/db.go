package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/imageintake/common/config"
	"github.com/lyzr/imageintake/common/logger"
)

// connectAttempts covers postgres still starting next to the service
const connectAttempts = 5

// DB wraps the pgx pool backing the postgres job state store
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New creates the connection pool and waits until postgres answers
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.Service.Name

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := ping(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database,
		"max_conns", poolConfig.MaxConns)

	return &DB{
		Pool: pool,
		log:  log,
	}, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn("database not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("ping database: %w", err)
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health pings the database and reports pool exhaustion
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return err
	}
	if st := db.Pool.Stat(); st.AcquiredConns() >= st.MaxConns() {
		db.log.Warn("database pool exhausted", "acquired", st.AcquiredConns(), "max", st.MaxConns())
	}
	return nil
}
