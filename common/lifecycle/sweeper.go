package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/imageintake/common/models"
)

// ArtifactStore is the part of the quarantine store the sweeper needs.
// Delete must be idempotent.
type ArtifactStore interface {
	List(ctx context.Context) ([]models.QuarantineArtifact, error)
	Delete(a *models.QuarantineArtifact) error
	PurgeTemp(ctx context.Context, cutoff time.Time) (int, error)
}

// SweepReport counts what one sweep did
type SweepReport struct {
	Expired         int `json:"expired"`
	PurgedRecords   int `json:"purged_records"`
	PurgedArtifacts int `json:"purged_artifacts"`
	Orphans         int `json:"orphans"`
	TempFiles       int `json:"temp_files"`
}

// Total reports whether the sweep removed or changed anything
func (r SweepReport) Total() int {
	return r.Expired + r.PurgedRecords + r.PurgedArtifacts + r.Orphans + r.TempFiles
}

// Sweep expires over-age jobs, purges terminal jobs past PurgeAfter, and
// removes quarantine artifacts that no record references once they outlive
// the quarantine TTL. Running it twice in a row is a no-op the second time.
func (m *Machine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	now = now.UTC()

	if m.store != nil {
		due, err := m.store.ListDue(ctx, now, m.opts.SweepBatch)
		if err != nil {
			return report, err
		}
		for _, st := range due {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !st.State.Terminal() {
				if err := m.expire(ctx, st.JobID, "job ttl elapsed", now); err != nil {
					m.logger.Error("failed to expire job", "job_id", st.JobID, "error", err)
					continue
				}
				report.Expired++
			}
			if err := m.purge(ctx, st); err != nil {
				m.logger.Error("failed to purge job", "job_id", st.JobID, "artifact_key", st.ArtifactKey, "error", err)
				continue
			}
			report.PurgedRecords++
			report.PurgedArtifacts++
		}
	}

	if m.opts.Artifacts != nil {
		n, err := m.sweepOrphans(ctx, now)
		report.Orphans = n
		if err != nil {
			return report, err
		}
		tmp, err := m.opts.Artifacts.PurgeTemp(ctx, now.Add(-m.opts.TempMaxAge))
		report.TempFiles = tmp
		if err != nil {
			return report, err
		}
	}

	if report.Total() > 0 {
		m.logger.Info("sweep finished",
			"expired", report.Expired,
			"purged_records", report.PurgedRecords,
			"purged_artifacts", report.PurgedArtifacts,
			"orphans", report.Orphans,
			"temp_files", report.TempFiles)
	}
	return report, nil
}

// purge removes a terminal job's artifact, then its record. The record is
// kept when the artifact cannot be removed so the next sweep retries.
func (m *Machine) purge(ctx context.Context, st *models.CleanupState) error {
	if m.opts.Artifacts != nil && st.ArtifactKey != "" {
		a := &models.QuarantineArtifact{Hash: st.ArtifactHash, Key: st.ArtifactKey}
		if err := m.opts.Artifacts.Delete(a); err != nil {
			return err
		}
	}
	return m.store.Delete(ctx, st.JobID)
}

// sweepOrphans deletes expired artifacts that no state record references.
// Degraded jobs never get a record, so this is how their artifacts are
// reclaimed after a crash.
func (m *Machine) sweepOrphans(ctx context.Context, now time.Time) (int, error) {
	active := map[string]bool{}
	if m.store != nil {
		keys, err := m.store.ActiveKeys(ctx)
		if err != nil {
			// without the reference set a tracked artifact could look orphaned
			return 0, err
		}
		active = keys
	}

	artifacts, err := m.opts.Artifacts.List(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	var errs []error
	for i := range artifacts {
		a := &artifacts[i]
		if active[a.Key] || !a.Expired(now) {
			continue
		}
		if err := m.opts.Artifacts.Delete(a); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Warn("purged orphaned quarantine artifact", "artifact_key", a.Key, "created_at", a.CreatedAt)
		purged++
	}
	return purged, errors.Join(errs...)
}

// Sweeper runs Sweep on a fixed interval until its context ends.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   Logger
	onSweep  func(SweepReport)
}

// NewSweeper creates a sweeper with a one minute interval
func NewSweeper(machine *Machine, logger Logger) *Sweeper {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Sweeper{machine: machine, interval: time.Minute, logger: logger}
}

// WithInterval sets the sweep interval
func (s *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// OnSweep registers a callback invoked with every report
func (s *Sweeper) OnSweep(fn func(SweepReport)) *Sweeper {
	s.onSweep = fn
	return s
}

// Start sweeps once immediately and then on every tick
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("sweeper starting", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.machine.Sweep(ctx, s.machine.opts.Clock())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", err)
	}
	if s.onSweep != nil {
		s.onSweep(report)
	}
}
