// Package lifecycle tracks deferred conversion jobs through
// Pending -> Processing -> Completed | Failed | Expired and purges their
// quarantine artifacts once they are terminal.
//
// Every state mutation requires a lease on the job lock. When the lock
// manager or the state store cannot be reached at creation time the job is
// handed back as a degraded dispatch: the caller runs it synchronously and
// nothing is recorded, so a crash leaves only an orphaned artifact that the
// sweeper removes after the quarantine TTL.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/imageintake/common/models"
)

// ErrTerminal is returned by Claim for jobs that already finished
var ErrTerminal = errors.New("job already terminal")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DispatchMode tells the caller how a created job must be executed
type DispatchMode string

const (
	// DispatchTracked jobs have a durable record and go to the worker pool
	DispatchTracked DispatchMode = "tracked"
	// DispatchDegraded jobs have no record and must run synchronously
	DispatchDegraded DispatchMode = "degraded"
)

// Degraded reasons
const (
	ReasonLockTimeout     = "lock_timeout"
	ReasonLockUnavailable = "lock_unavailable"
	ReasonStateSave       = "state_save"
	ReasonUntracked       = "state_tracking_disabled"
)

// Dispatch is the outcome of Create
type Dispatch struct {
	Mode   DispatchMode
	JobID  string
	Reason string
	State  *models.CleanupState
}

// Degraded reports whether the job must run synchronously without state
func (d *Dispatch) Degraded() bool {
	return d.Mode == DispatchDegraded
}

// Options tunes the machine
type Options struct {
	// LockWait bounds how long Create and Claim wait for a lock
	LockWait time.Duration
	LockPoll time.Duration
	LockTTL  time.Duration

	// JobTTL is the age after which a live job is force-expired
	JobTTL time.Duration

	// FailedRetention keeps a failed job's artifact for diagnostics
	FailedRetention time.Duration

	// TempMaxAge is the age after which abandoned quarantine temp files are purged
	TempMaxAge time.Duration
	SweepBatch int

	// Artifacts is the quarantine the sweeper purges from; nil disables artifact purging
	Artifacts ArtifactStore

	Clock  func() time.Time
	Logger Logger
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		LockWait:        2 * time.Second,
		LockPoll:        50 * time.Millisecond,
		LockTTL:         30 * time.Second,
		JobTTL:          15 * time.Minute,
		FailedRetention: 10 * time.Minute,
		TempMaxAge:      10 * time.Minute,
		SweepBatch:      500,
	}
}

// Machine owns every transition of CleanupState records
type Machine struct {
	store  StateStore
	locks  LockManager
	opts   Options
	owner  string
	logger Logger
}

// NewMachine creates a state machine. store or locks may be nil, in which
// case every Create degrades.
func NewMachine(store StateStore, locks LockManager, opts Options) *Machine {
	def := DefaultOptions()
	if opts.LockWait <= 0 {
		opts.LockWait = def.LockWait
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = def.LockPoll
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = def.JobTTL
	}
	if opts.FailedRetention < 0 {
		opts.FailedRetention = 0
	}
	if opts.TempMaxAge <= 0 {
		opts.TempMaxAge = def.TempMaxAge
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = def.SweepBatch
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = nopLogger{}
	}
	return &Machine{
		store:  store,
		locks:  locks,
		opts:   opts,
		owner:  "machine-" + uuid.NewString(),
		logger: log,
	}
}

func (m *Machine) now() time.Time {
	return m.opts.Clock().UTC()
}

// Create records a new Pending job. Lock or store trouble never fails the
// upload: the returned Dispatch is Degraded and carries the reason.
func (m *Machine) Create(ctx context.Context, job *models.ConversionJob) (*Dispatch, error) {
	if job == nil || job.ID == "" {
		return nil, errors.New("job id required")
	}
	if m.store == nil || m.locks == nil {
		return m.degrade(job, ReasonUntracked, nil), nil
	}

	lease, err := acquireWithin(ctx, m.locks, job.ID, m.owner, m.opts.LockTTL, m.opts.LockWait, m.opts.LockPoll)
	if errors.Is(err, ErrLockHeld) {
		return m.degrade(job, ReasonLockTimeout, err), nil
	}
	if err != nil {
		return m.degrade(job, ReasonLockUnavailable, err), nil
	}
	defer m.release(lease)

	now := m.now()
	state := &models.CleanupState{
		JobID:        job.ID,
		ArtifactHash: job.Artifact.Hash,
		ArtifactKey:  job.Artifact.Key,
		State:        models.JobPending,
		CreatedAt:    now,
		PersistedAt:  now,
		ExpiresAt:    now.Add(m.opts.JobTTL),
		Job:          job,
	}
	if err := m.store.Create(ctx, state); err != nil {
		return m.degrade(job, ReasonStateSave, err), nil
	}

	m.logger.Debug("job created", "job_id", job.ID, "artifact_hash", job.Artifact.Hash, "expires_at", state.ExpiresAt)
	return &Dispatch{Mode: DispatchTracked, JobID: job.ID, State: state}, nil
}

func (m *Machine) degrade(job *models.ConversionJob, reason string, err error) *Dispatch {
	kv := []interface{}{"job_id", job.ID, "artifact_key", job.Artifact.Key, "reason", reason}
	if err != nil {
		kv = append(kv, "error", err)
	}
	m.logger.Warn("job dispatch degraded, running untracked", kv...)
	return &Dispatch{Mode: DispatchDegraded, JobID: job.ID, Reason: reason}
}

// Claim moves a Pending job to Processing under a fresh lease. owner names
// the worker; each claim gets its own token under it, so two deliveries of
// the same job in one process never share a lease. A job whose lease is
// still live returns ErrLockHeld. Re-delivered jobs that already finished
// return ErrTerminal; a job past its TTL is expired on the spot and also
// returns ErrTerminal.
func (m *Machine) Claim(ctx context.Context, jobID, owner string) (*Lease, *models.CleanupState, error) {
	if m.store == nil || m.locks == nil {
		return nil, nil, errors.New("state tracking disabled")
	}
	owner = owner + ":" + uuid.NewString()
	lease, err := acquireWithin(ctx, m.locks, jobID, owner, m.opts.LockTTL, m.opts.LockWait, m.opts.LockPoll)
	if err != nil {
		return nil, nil, err
	}

	st, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.release(lease)
		return nil, nil, err
	}
	if st.State.Terminal() {
		m.release(lease)
		return nil, st, ErrTerminal
	}

	now := m.now()
	if !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt) {
		m.markTerminal(st, models.JobExpired, "job ttl elapsed before processing", now)
		err := m.store.Update(ctx, st)
		m.release(lease)
		if err != nil {
			return nil, nil, fmt.Errorf("expire job %s: %w", jobID, err)
		}
		return nil, st, ErrTerminal
	}

	st.State = models.JobProcessing
	st.LockOwner = owner
	st.LockExpiresAt = lease.ExpiresAt
	st.PersistedAt = now
	if err := m.store.Update(ctx, st); err != nil {
		m.release(lease)
		return nil, nil, err
	}
	m.logger.Debug("job claimed", "job_id", jobID, "owner", owner)
	return lease, st, nil
}

// Renew extends a lease for long conversions
func (m *Machine) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	if !lease.Valid(time.Now()) {
		return nil, ErrLockLost
	}
	renewed, ok, err := m.locks.Renew(ctx, lease, m.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockLost
	}
	return renewed, nil
}

// Complete marks the job Completed; its artifact is due for purge immediately.
func (m *Machine) Complete(ctx context.Context, lease *Lease, result *models.UploadResult) error {
	return m.transition(ctx, lease, func(st *models.CleanupState, now time.Time) {
		st.Result = result
		m.markTerminal(st, models.JobCompleted, "", now)
	})
}

// Fail marks the job Failed; its artifact is retained for FailedRetention.
func (m *Machine) Fail(ctx context.Context, lease *Lease, reason string) error {
	return m.transition(ctx, lease, func(st *models.CleanupState, now time.Time) {
		m.markTerminal(st, models.JobFailed, reason, now)
	})
}

// Expire force-expires a live job. It takes the job lock when it can but
// proceeds without it, so a hung worker cannot keep a job alive. Expiring a
// terminal or missing job is a no-op.
func (m *Machine) Expire(ctx context.Context, jobID, reason string) error {
	return m.expire(ctx, jobID, reason, m.now())
}

func (m *Machine) expire(ctx context.Context, jobID, reason string, now time.Time) error {
	if m.store == nil {
		return nil
	}
	if m.locks != nil {
		lease, err := acquireWithin(ctx, m.locks, jobID, m.owner, m.opts.LockTTL, m.opts.LockPoll, m.opts.LockPoll)
		if err == nil {
			defer m.release(lease)
		} else {
			m.logger.Warn("force-expiring job without its lock", "job_id", jobID, "error", err)
		}
	}

	st, err := m.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return nil
	}
	m.markTerminal(st, models.JobExpired, reason, now)
	if err := m.store.Update(ctx, st); err != nil {
		return err
	}
	m.logger.Warn("job expired", "job_id", jobID, "reason", reason, "created_at", st.CreatedAt)
	return nil
}

// Get reads a job's state without locking
func (m *Machine) Get(ctx context.Context, jobID string) (*models.CleanupState, error) {
	if m.store == nil {
		return nil, ErrNotFound
	}
	return m.store.Get(ctx, jobID)
}

func (m *Machine) transition(ctx context.Context, lease *Lease, apply func(*models.CleanupState, time.Time)) error {
	if !lease.Valid(time.Now()) {
		return ErrLockLost
	}
	if _, ok, err := m.locks.Renew(ctx, lease, m.opts.LockTTL); err != nil {
		return fmt.Errorf("confirm lock: %w", err)
	} else if !ok {
		return ErrLockLost
	}

	st, err := m.store.Get(ctx, lease.Resource)
	if err != nil {
		return err
	}
	if st.State != models.JobProcessing || st.LockOwner != lease.Owner {
		return ErrLockLost
	}

	apply(st, m.now())
	if err := m.store.Update(ctx, st); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	m.release(lease)
	m.logger.Debug("job transitioned", "job_id", st.JobID, "state", st.State, "reason", st.Reason)
	return nil
}

func (m *Machine) markTerminal(st *models.CleanupState, state models.JobState, reason string, now time.Time) {
	purge := now
	if state == models.JobFailed {
		purge = now.Add(m.opts.FailedRetention)
	}
	st.State = state
	st.Reason = reason
	st.LockOwner = ""
	st.LockExpiresAt = time.Time{}
	st.PersistedAt = now
	st.PurgeAfter = &purge
}

func (m *Machine) release(lease *Lease) {
	// release must run even when the caller's context is done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.locks.Release(ctx, lease); err != nil {
		m.logger.Warn("lock release failed", "resource", lease.Resource, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
