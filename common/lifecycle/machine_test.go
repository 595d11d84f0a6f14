package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/quarantine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLocks struct{}

func (failingLocks) Acquire(context.Context, string, string, time.Duration) (*Lease, bool, error) {
	return nil, false, errors.New("dial tcp 127.0.0.1:6379: connection refused")
}
func (failingLocks) Renew(context.Context, *Lease, time.Duration) (*Lease, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingLocks) Release(context.Context, *Lease) error { return nil }

type failingStore struct{ *MemoryStore }

func (failingStore) Create(context.Context, *models.CleanupState) error {
	return errors.New("database is locked")
}

func testOptions() Options {
	return Options{
		LockWait:        40 * time.Millisecond,
		LockPoll:        5 * time.Millisecond,
		LockTTL:         time.Second,
		JobTTL:          15 * time.Minute,
		FailedRetention: 10 * time.Minute,
	}
}

func newJob(key string) *models.ConversionJob {
	return &models.ConversionJob{
		ID:        uuid.NewString(),
		Artifact:  models.QuarantineArtifact{Key: key},
		Filename:  "avatar.png",
		Config:    models.DefaultPipelineSnapshot(),
		DestDir:   "/srv/public",
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateTracksPendingJob(t *testing.T) {
	store := NewMemoryStore()
	m := NewMachine(store, NewMemoryLocks(), testOptions())
	ctx := context.Background()

	job := newJob("ab/cd/abcd")
	d, err := m.Create(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, DispatchTracked, d.Mode)
	assert.False(t, d.Degraded())

	st, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, st.State)
	assert.Equal(t, "ab/cd/abcd", st.ArtifactKey)
	assert.Equal(t, 15*time.Minute, st.ExpiresAt.Sub(st.CreatedAt))
	assert.Nil(t, st.PurgeAfter)
}

func TestCreateDegrades(t *testing.T) {
	ctx := context.Background()

	t.Run("lock timeout", func(t *testing.T) {
		locks := NewMemoryLocks()
		job := newJob("k")
		_, ok, err := locks.Acquire(ctx, job.ID, "someone-else", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		store := NewMemoryStore()
		start := time.Now()
		d, err := NewMachine(store, locks, testOptions()).Create(ctx, job)
		require.NoError(t, err)
		assert.True(t, d.Degraded())
		assert.Equal(t, ReasonLockTimeout, d.Reason)
		assert.Less(t, time.Since(start), time.Second, "lock wait is bounded")

		_, err = store.Get(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lock manager down", func(t *testing.T) {
		d, err := NewMachine(NewMemoryStore(), failingLocks{}, testOptions()).Create(ctx, newJob("k"))
		require.NoError(t, err)
		assert.True(t, d.Degraded())
		assert.Equal(t, ReasonLockUnavailable, d.Reason)
	})

	t.Run("state save fails", func(t *testing.T) {
		d, err := NewMachine(failingStore{NewMemoryStore()}, NewMemoryLocks(), testOptions()).Create(ctx, newJob("k"))
		require.NoError(t, err)
		assert.True(t, d.Degraded())
		assert.Equal(t, ReasonStateSave, d.Reason)
	})

	t.Run("no state backend", func(t *testing.T) {
		d, err := NewMachine(nil, nil, testOptions()).Create(ctx, newJob("k"))
		require.NoError(t, err)
		assert.True(t, d.Degraded())
		assert.Equal(t, ReasonUntracked, d.Reason)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions()).Create(ctx, &models.ConversionJob{})
		assert.Error(t, err)
	})
}

func TestClaimCompleteReleasesLock(t *testing.T) {
	locks := NewMemoryLocks()
	m := NewMachine(NewMemoryStore(), locks, testOptions())
	ctx := context.Background()

	job := newJob("k")
	_, err := m.Create(ctx, job)
	require.NoError(t, err)

	lease, st, err := m.Claim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, st.State)
	assert.True(t, strings.HasPrefix(st.LockOwner, "worker-1:"), st.LockOwner)
	assert.Equal(t, lease.Owner, st.LockOwner)

	_, _, err = m.Claim(ctx, job.ID, "worker-2")
	assert.ErrorIs(t, err, ErrLockHeld)

	result := &models.UploadResult{JobID: job.ID, Filename: "x.jpg"}
	require.NoError(t, m.Complete(ctx, lease, result))

	st, err = m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, st.State)
	assert.Empty(t, st.LockOwner)
	require.NotNil(t, st.PurgeAfter)
	assert.False(t, st.PurgeAfter.After(time.Now()))
	assert.Equal(t, "x.jpg", st.Result.Filename)

	_, ok, err := locks.Acquire(ctx, job.ID, "worker-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock is released after the terminal transition")
}

func TestClaimRefusesLiveProcessingJobForSameWorker(t *testing.T) {
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
	ctx := context.Background()

	job := newJob("k")
	_, err := m.Create(ctx, job)
	require.NoError(t, err)

	first, _, err := m.Claim(ctx, job.ID, "intake-worker-w1")
	require.NoError(t, err)

	// a redelivery handled by another goroutine of the same worker
	second, _, err := m.Claim(ctx, job.ID, "intake-worker-w1")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Nil(t, second)

	require.NoError(t, m.Complete(ctx, first, &models.UploadResult{JobID: job.ID}))
	_, st, err := m.Claim(ctx, job.ID, "intake-worker-w1")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, models.JobCompleted, st.State)
}

func TestClaimRedeliveredJobIsTerminal(t *testing.T) {
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
	ctx := context.Background()

	job := newJob("k")
	_, err := m.Create(ctx, job)
	require.NoError(t, err)
	lease, _, err := m.Claim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, lease, "frame_limit"))

	_, st, err := m.Claim(ctx, job.ID, "worker-1")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, models.JobFailed, st.State)
	assert.Equal(t, "frame_limit", st.Reason)
	require.NotNil(t, st.PurgeAfter)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), *st.PurgeAfter, 5*time.Second)

	_, _, err = m.Claim(ctx, "no-such-job", "worker-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimExpiresOverAgeJob(t *testing.T) {
	store := NewMemoryStore()
	opts := testOptions()
	created := time.Now()
	opts.Clock = func() time.Time { return created }
	m := NewMachine(store, NewMemoryLocks(), opts)
	ctx := context.Background()

	job := newJob("k")
	_, err := m.Create(ctx, job)
	require.NoError(t, err)

	m.opts.Clock = func() time.Time { return created.Add(time.Hour) }
	_, st, err := m.Claim(ctx, job.ID, "worker-1")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, models.JobExpired, st.State)
}

func TestTransitionRequiresLiveLease(t *testing.T) {
	ctx := context.Background()

	t.Run("lease expired", func(t *testing.T) {
		opts := testOptions()
		opts.LockTTL = 20 * time.Millisecond
		m := NewMachine(NewMemoryStore(), NewMemoryLocks(), opts)
		job := newJob("k")
		_, err := m.Create(ctx, job)
		require.NoError(t, err)
		lease, _, err := m.Claim(ctx, job.ID, "worker-1")
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)
		assert.ErrorIs(t, m.Complete(ctx, lease, &models.UploadResult{}), ErrLockLost)
		_, err = m.Renew(ctx, lease)
		assert.ErrorIs(t, err, ErrLockLost)

		st, err := m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobProcessing, st.State)
	})

	t.Run("force expired while processing", func(t *testing.T) {
		m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
		job := newJob("k")
		_, err := m.Create(ctx, job)
		require.NoError(t, err)
		lease, _, err := m.Claim(ctx, job.ID, "worker-1")
		require.NoError(t, err)

		require.NoError(t, m.Expire(ctx, job.ID, "job ttl elapsed"))
		assert.ErrorIs(t, m.Complete(ctx, lease, &models.UploadResult{}), ErrLockLost)

		st, err := m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobExpired, st.State)
		assert.Nil(t, st.Result)
	})

	t.Run("renew extends", func(t *testing.T) {
		m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
		job := newJob("k")
		_, err := m.Create(ctx, job)
		require.NoError(t, err)
		lease, _, err := m.Claim(ctx, job.ID, "worker-1")
		require.NoError(t, err)

		renewed, err := m.Renew(ctx, lease)
		require.NoError(t, err)
		assert.False(t, renewed.ExpiresAt.Before(lease.ExpiresAt))
		require.NoError(t, m.Complete(ctx, renewed, &models.UploadResult{}))
	})
}

func TestExpireIsIdempotent(t *testing.T) {
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
	ctx := context.Background()

	assert.NoError(t, m.Expire(ctx, "missing", "x"))

	job := newJob("k")
	_, err := m.Create(ctx, job)
	require.NoError(t, err)
	require.NoError(t, m.Expire(ctx, job.ID, "first"))
	require.NoError(t, m.Expire(ctx, job.ID, "second"))

	st, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", st.Reason)
}

func newQuarantine(t *testing.T, ttl time.Duration) *quarantine.Store {
	t.Helper()
	q, err := quarantine.New(filepath.Join(t.TempDir(), "quarantine"), quarantine.Options{TTL: ttl})
	require.NoError(t, err)
	return q
}

func TestSweepExpiresAndPurges(t *testing.T) {
	ctx := context.Background()
	q := newQuarantine(t, time.Hour)
	opts := testOptions()
	opts.Artifacts = q
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), opts)

	a, err := q.Write(ctx, []byte("stale upload"))
	require.NoError(t, err)
	job := newJob(a.Key)
	job.Artifact = *a
	_, err = m.Create(ctx, job)
	require.NoError(t, err)

	report, err := m.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Total(), "nothing is due yet")

	report, err = m.Sweep(ctx, time.Now().Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.PurgedRecords)

	exists, err := q.Exists(a)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = m.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	report, err = m.Sweep(ctx, time.Now().Add(16*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Total(), "second sweep is a no-op")
}

func TestSweepHonorsFailedRetention(t *testing.T) {
	ctx := context.Background()
	q := newQuarantine(t, time.Hour)
	opts := testOptions()
	opts.Artifacts = q
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), opts)

	a, err := q.Write(ctx, []byte("bad gif"))
	require.NoError(t, err)
	job := newJob(a.Key)
	job.Artifact = *a
	_, err = m.Create(ctx, job)
	require.NoError(t, err)
	lease, _, err := m.Claim(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, lease, "frame_limit"))

	report, err := m.Sweep(ctx, time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.PurgedRecords)
	exists, err := q.Exists(a)
	require.NoError(t, err)
	assert.True(t, exists, "failed artifact is kept for diagnostics")

	report, err = m.Sweep(ctx, time.Now().Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.PurgedRecords)
	exists, err = q.Exists(a)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepPurgesOrphanAfterDegradedCrash(t *testing.T) {
	ctx := context.Background()
	q := newQuarantine(t, time.Hour)
	store := NewMemoryStore()
	locks := NewMemoryLocks()
	opts := testOptions()
	opts.Artifacts = q
	opts.JobTTL = 2 * time.Hour
	m := NewMachine(store, locks, opts)

	// degraded job: its lock is stuck, so nothing is recorded
	orphan, err := q.Write(ctx, []byte("degraded upload"))
	require.NoError(t, err)
	degradedJob := newJob(orphan.Key)
	_, _, err = locks.Acquire(ctx, degradedJob.ID, "stuck-owner", time.Hour)
	require.NoError(t, err)
	d, err := m.Create(ctx, degradedJob)
	require.NoError(t, err)
	require.True(t, d.Degraded())
	// the process crashes here; nobody deletes the artifact

	tracked, err := q.Write(ctx, []byte("tracked upload"))
	require.NoError(t, err)
	trackedJob := newJob(tracked.Key)
	trackedJob.Artifact = *tracked
	d, err = m.Create(ctx, trackedJob)
	require.NoError(t, err)
	require.False(t, d.Degraded())

	report, err := m.Sweep(ctx, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Orphans, "orphans are kept until the quarantine ttl")

	report, err = m.Sweep(ctx, time.Now().Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)

	exists, err := q.Exists(orphan)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = q.Exists(tracked)
	require.NoError(t, err)
	assert.True(t, exists, "referenced artifact is not an orphan")

	report, err = m.Sweep(ctx, time.Now().Add(90*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Orphans)
}

func TestSweeperLoop(t *testing.T) {
	m := NewMachine(NewMemoryStore(), NewMemoryLocks(), testOptions())
	ctx, cancel := context.WithCancel(context.Background())

	reports := make(chan SweepReport, 8)
	s := NewSweeper(m, nil).WithInterval(10 * time.Millisecond).OnSweep(func(r SweepReport) {
		select {
		case reports <- r:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-reports:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not run")
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
