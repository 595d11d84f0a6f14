package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 1000

const stateColumns = `job_id, artifact_hash, artifact_key, state, reason, lock_owner,
	lock_expires_at, persisted_at, created_at, expires_at, purge_after, job, result`

const terminalStates = `('completed', 'failed', 'expired')`

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// stateRow is the column encoding shared by the SQL stores. Timestamps are
// unix milliseconds, job and result are JSON documents.
type stateRow struct {
	JobID         string
	ArtifactHash  string
	ArtifactKey   string
	State         string
	Reason        string
	LockOwner     string
	LockExpiresAt int64
	PersistedAt   int64
	CreatedAt     int64
	ExpiresAt     int64
	PurgeAfter    *int64
	Job           []byte
	Result        []byte
}

func encodeState(s *models.CleanupState) (*stateRow, error) {
	r := &stateRow{
		JobID:         s.JobID,
		ArtifactHash:  s.ArtifactHash.String(),
		ArtifactKey:   s.ArtifactKey,
		State:         string(s.State),
		Reason:        s.Reason,
		LockOwner:     s.LockOwner,
		LockExpiresAt: toMillis(s.LockExpiresAt),
		PersistedAt:   toMillis(s.PersistedAt),
		CreatedAt:     toMillis(s.CreatedAt),
		ExpiresAt:     toMillis(s.ExpiresAt),
	}
	if s.PurgeAfter != nil {
		v := toMillis(*s.PurgeAfter)
		r.PurgeAfter = &v
	}
	if s.Job != nil {
		b, err := json.Marshal(s.Job)
		if err != nil {
			return nil, fmt.Errorf("encode job: %w", err)
		}
		r.Job = b
	}
	if s.Result != nil {
		b, err := json.Marshal(s.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		r.Result = b
	}
	return r, nil
}

func (r *stateRow) args() []any {
	return []any{
		r.JobID, r.ArtifactHash, r.ArtifactKey, r.State, r.Reason, r.LockOwner,
		r.LockExpiresAt, r.PersistedAt, r.CreatedAt, r.ExpiresAt, r.PurgeAfter, r.Job, r.Result,
	}
}

func scanState(sc rowScanner) (*models.CleanupState, error) {
	var r stateRow
	if err := sc.Scan(
		&r.JobID, &r.ArtifactHash, &r.ArtifactKey, &r.State, &r.Reason, &r.LockOwner,
		&r.LockExpiresAt, &r.PersistedAt, &r.CreatedAt, &r.ExpiresAt, &r.PurgeAfter, &r.Job, &r.Result,
	); err != nil {
		return nil, err
	}

	s := &models.CleanupState{
		JobID:         r.JobID,
		ArtifactHash:  digest.Digest(r.ArtifactHash),
		ArtifactKey:   r.ArtifactKey,
		State:         models.JobState(r.State),
		Reason:        r.Reason,
		LockOwner:     r.LockOwner,
		LockExpiresAt: fromMillis(r.LockExpiresAt),
		PersistedAt:   fromMillis(r.PersistedAt),
		CreatedAt:     fromMillis(r.CreatedAt),
		ExpiresAt:     fromMillis(r.ExpiresAt),
	}
	if r.PurgeAfter != nil {
		t := fromMillis(*r.PurgeAfter)
		s.PurgeAfter = &t
	}
	if len(r.Job) > 0 {
		s.Job = &models.ConversionJob{}
		if err := json.Unmarshal(r.Job, s.Job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
	}
	if len(r.Result) > 0 {
		s.Result = &models.UploadResult{}
		if err := json.Unmarshal(r.Result, s.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return s, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// SQLiteStore keeps cleanup state in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS upload_cleanup_state (
			job_id TEXT PRIMARY KEY,
			artifact_hash TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			lock_owner TEXT NOT NULL DEFAULT '',
			lock_expires_at INTEGER NOT NULL DEFAULT 0,
			persisted_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			purge_after INTEGER,
			job BLOB,
			result BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_cleanup_state_expires ON upload_cleanup_state(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_cleanup_state_purge ON upload_cleanup_state(purge_after)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, state *models.CleanupState) error {
	r, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO upload_cleanup_state (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`, r.args()...)
	if err != nil {
		return fmt.Errorf("failed to create cleanup state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*models.CleanupState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM upload_cleanup_state WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Update(ctx context.Context, state *models.CleanupState) error {
	r, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE upload_cleanup_state SET
			artifact_hash = ?, artifact_key = ?, state = ?, reason = ?, lock_owner = ?,
			lock_expires_at = ?, persisted_at = ?, created_at = ?, expires_at = ?,
			purge_after = ?, job = ?, result = ?
		WHERE job_id = ?`, append(r.args()[1:], r.JobID)...)
	if err != nil {
		return fmt.Errorf("failed to update cleanup state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_cleanup_state WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete cleanup state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.CleanupState, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM upload_cleanup_state
		WHERE (state IN `+terminalStates+` AND purge_after IS NOT NULL AND purge_after <= ?)
		   OR (state NOT IN `+terminalStates+` AND expires_at > 0 AND expires_at <= ?)
		ORDER BY created_at
		LIMIT ?`, ms, ms, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due cleanup states: %w", err)
	}
	defer rows.Close()

	var out []*models.CleanupState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cleanup state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_key FROM upload_cleanup_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// PostgresStore keeps cleanup state in Postgres through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Call Migrate once at startup.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the upload_cleanup_state table if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS upload_cleanup_state (
			job_id TEXT PRIMARY KEY,
			artifact_hash TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			lock_owner TEXT NOT NULL DEFAULT '',
			lock_expires_at BIGINT NOT NULL DEFAULT 0,
			persisted_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			purge_after BIGINT,
			job JSONB,
			result JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_cleanup_state_expires ON upload_cleanup_state(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_cleanup_state_purge ON upload_cleanup_state(purge_after)`,
	}
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate upload_cleanup_state: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, state *models.CleanupState) error {
	r, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO upload_cleanup_state (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, r.args()...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create cleanup state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*models.CleanupState, error) {
	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM upload_cleanup_state WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Update(ctx context.Context, state *models.CleanupState) error {
	r, err := encodeState(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE upload_cleanup_state SET
			artifact_hash = $2, artifact_key = $3, state = $4, reason = $5, lock_owner = $6,
			lock_expires_at = $7, persisted_at = $8, created_at = $9, expires_at = $10,
			purge_after = $11, job = $12, result = $13
		WHERE job_id = $1`, r.args()...)
	if err != nil {
		return fmt.Errorf("failed to update cleanup state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM upload_cleanup_state WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete cleanup state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.CleanupState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateColumns+` FROM upload_cleanup_state
		WHERE (state IN `+terminalStates+` AND purge_after IS NOT NULL AND purge_after <= $1)
		   OR (state NOT IN `+terminalStates+` AND expires_at > 0 AND expires_at <= $1)
		ORDER BY created_at
		LIMIT $2`, now.UnixMilli(), listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due cleanup states: %w", err)
	}
	defer rows.Close()

	var out []*models.CleanupState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cleanup state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT artifact_key FROM upload_cleanup_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}
