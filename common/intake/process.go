package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/lifecycle"
	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/notify"
	"github.com/lyzr/imageintake/common/quarantine"
	"github.com/lyzr/imageintake/common/sniff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errLeaseLost = errs.New(errs.KindStateFault, errs.CodeLockTimeout, "job lease was lost")

// runUntracked executes a job that has no lifecycle record. The artifact is
// released on every exit path unless it was promoted.
func (s *Service) runUntracked(ctx context.Context, job *models.ConversionJob) (*models.UploadResult, error) {
	defer s.discard(&job.Artifact)
	return s.execute(ctx, job)
}

// execute scans the quarantined copy and converts it. Blocked and
// unavailable verdicts delete the artifact before returning; every other
// disposal is left to the caller.
func (s *Service) execute(ctx context.Context, job *models.ConversionJob) (*models.UploadResult, error) {
	artifact := &job.Artifact

	verdict := s.scan(ctx, artifact)
	if !verdict.Clean() {
		s.discard(artifact)
		return nil, errs.New(errs.KindThreatDetected, errs.CodeUploadRejected, "upload rejected",
			"verdict", string(verdict.Kind), "rule_id", verdict.RuleID, "confidence", string(verdict.Confidence))
	}

	src, err := s.store.ReadAll(artifact)
	if err != nil {
		return nil, quarantineFault(err)
	}

	outputs, err := s.convert(ctx, src, job)
	if err != nil {
		return nil, err
	}

	result := &models.UploadResult{
		JobID:       job.ID,
		Width:       outputs.Width,
		Height:      outputs.Height,
		ContentHash: artifact.Hash,
		Outputs:     outputs.Outputs,
	}
	if primary := outputs.Primary(); primary != nil {
		result.Filename = primary.Filename
		result.SizeBytes = primary.SizeBytes
	}

	if job.KeepOriginal {
		dest := filepath.Join(job.DestDir, job.ID+"-original"+sniff.Extension(job.SourceType))
		if err := s.store.Promote(artifact, dest); err != nil {
			removeOutputs(result)
			return nil, quarantineFault(err)
		}
		result.OriginalPath = dest
	}
	return result, nil
}

func (s *Service) scan(ctx context.Context, a *models.QuarantineArtifact) models.ScanVerdict {
	ctx, span := s.tracer.Start(ctx, "intake.scan")
	defer span.End()

	v := s.scanner.Scan(ctx, s.store, a)
	s.metrics.IncVerdict(string(v.Kind))
	span.SetAttributes(attribute.String("scan.verdict", string(v.Kind)))
	if !v.Clean() {
		s.logger.Warn("upload blocked by scanner", "artifact_hash", a.Hash.String(),
			"verdict", v.Kind, "rule_id", v.RuleID, "confidence", v.Confidence, "reason", v.Reason)
	}
	return v
}

func (s *Service) convert(ctx context.Context, src []byte, job *models.ConversionJob) (*models.CanonicalOutputs, error) {
	ctx, span := s.tracer.Start(ctx, "intake.convert")
	defer span.End()

	start := time.Now()
	out, err := s.converter.Convert(ctx, src, job.Config, job.DestDir)
	if err != nil {
		s.metrics.IncConversion("unknown", errs.CodeOf(err))
		recordError(span, err)
		return nil, err
	}
	s.metrics.IncConversion(out.Backend, "ok")
	s.metrics.ObserveConversion(out.Backend, time.Since(start))
	span.SetAttributes(attribute.String("convert.backend", out.Backend), attribute.Int("convert.outputs", len(out.Outputs)))
	return out, nil
}

// Process runs a tracked job for a worker. A nil error means the delivery
// can be acknowledged; redelivered and finished jobs are no-ops.
func (s *Service) Process(ctx context.Context, jobID string) error {
	_, err := s.process(ctx, jobID)
	return err
}

// HandleMessage adapts Process to the queue handler signature
func (s *Service) HandleMessage(ctx context.Context, key string, value []byte) error {
	var msg JobMessage
	if err := json.Unmarshal(value, &msg); err != nil || msg.JobID == "" {
		// a poison message is acknowledged so it is not redelivered forever
		s.logger.Error("dropping malformed job message", "key", key, "error", err)
		return nil
	}
	return s.Process(ctx, msg.JobID)
}

// outcome is how a tracked job ended. Err is the job's own failure, as
// opposed to the infrastructure errors process returns for redelivery.
type outcome struct {
	Result *models.UploadResult
	Err    error
}

func (s *Service) process(ctx context.Context, jobID string) (outcome, error) {
	if s.tracker == nil {
		return outcome{}, errors.New("state tracking disabled")
	}
	ctx, span := s.tracer.Start(ctx, "intake.process", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	lease, st, err := s.tracker.Claim(ctx, jobID, s.owner)
	switch {
	case errors.Is(err, lifecycle.ErrTerminal):
		s.logger.Debug("job already finished", "job_id", jobID, "state", stateOf(st))
		return outcome{Result: resultOf(st)}, nil
	case errors.Is(err, lifecycle.ErrNotFound):
		s.logger.Warn("job record missing, dropping delivery", "job_id", jobID)
		return outcome{}, nil
	case err != nil:
		recordError(span, err)
		return outcome{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	job := st.Job
	if job == nil {
		err := errors.New("job payload missing from record")
		if ferr := s.tracker.Fail(ctx, lease, "job_missing"); ferr != nil {
			s.logger.Error("fail job", "job_id", jobID, "error", ferr)
		}
		return outcome{Err: err}, nil
	}

	runCtx, keeper := s.keepLease(ctx, lease)
	result, jobErr := s.execute(runCtx, job)
	lease, lost := keeper.stop()

	if lost {
		// another actor owns the record now; whatever this run produced is void
		s.logger.Warn("job lease lost during processing", "job_id", jobID)
		if result != nil {
			removeOutputs(result)
		}
		return outcome{Err: errLeaseLost}, nil
	}

	if jobErr != nil {
		recordError(span, jobErr)
		reason := failureReason(jobErr)
		if err := s.tracker.Fail(ctx, lease, reason); err != nil {
			s.logger.Error("record job failure", "job_id", jobID, "reason", reason, "error", err)
			if errors.Is(err, lifecycle.ErrLockLost) {
				return outcome{Err: jobErr}, nil
			}
		}
		s.notify(ctx, notify.Failed(job, jobErr))
		return outcome{Err: jobErr}, nil
	}

	if err := s.tracker.Complete(ctx, lease, result); err != nil {
		if errors.Is(err, lifecycle.ErrLockLost) {
			s.logger.Warn("job completed after losing its lease, discarding outputs", "job_id", jobID)
			removeOutputs(result)
			return outcome{Err: errLeaseLost}, nil
		}
		// outputs are valid; the sweeper reconciles the record once it expires
		s.logger.Error("record job completion", "job_id", jobID, "error", err)
	}
	if !job.KeepOriginal {
		s.discard(&job.Artifact)
	}
	s.notify(ctx, notify.Completed(job, result))
	return outcome{Result: result}, nil
}

func (s *Service) notify(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Error("notification failed", "job_id", event.JobID, "type", event.Type, "error", err)
	}
}

// discard deletes an artifact; missing artifacts are not an error
func (s *Service) discard(a *models.QuarantineArtifact) {
	if err := s.store.Delete(a); err != nil {
		s.logger.Error("artifact delete failed", "artifact_key", a.Key, "error", err)
	}
}

// leaseKeeper renews a job lease in the background and cancels the run
// context once renewal fails
type leaseKeeper struct {
	mu     sync.Mutex
	lease  *lifecycle.Lease
	lost   bool
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func (s *Service) keepLease(ctx context.Context, lease *lifecycle.Lease) (context.Context, *leaseKeeper) {
	runCtx, cancel := context.WithCancel(ctx)
	k := &leaseKeeper{lease: lease, cancel: cancel, done: make(chan struct{})}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(s.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-k.done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				k.mu.Lock()
				current := k.lease
				k.mu.Unlock()

				next, err := s.tracker.Renew(runCtx, current)
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					s.logger.Warn("lease renewal failed", "job_id", current.Resource, "error", err)
					k.mu.Lock()
					k.lost = true
					k.mu.Unlock()
					cancel()
					return
				}
				k.mu.Lock()
				k.lease = next
				k.mu.Unlock()
			}
		}
	}()
	return runCtx, k
}

// stop ends renewal and returns the latest lease
func (k *leaseKeeper) stop() (*lifecycle.Lease, bool) {
	close(k.done)
	k.wg.Wait()
	k.cancel()
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lease, k.lost
}

func quarantineFault(err error) error {
	switch {
	case errors.Is(err, quarantine.ErrArtifactMissing):
		return errs.Wrap(errs.KindQuarantineFault, errs.CodeArtifactMissing, err, "quarantined upload is missing")
	case errors.Is(err, quarantine.ErrOutsideRoot), errors.Is(err, quarantine.ErrDestinationInsideRoot):
		return errs.Wrap(errs.KindQuarantineFault, errs.CodeOutsideRoot, err, "quarantine boundary violation")
	default:
		return errs.Wrap(errs.KindQuarantineFault, errs.CodeQuarantineWrite, err, "quarantine operation failed")
	}
}

// failureReason is the operator-facing reason stored on Failed records.
// Blocked and unavailable scans are told apart here and nowhere user-facing.
func failureReason(err error) string {
	e, ok := errs.As(err)
	if !ok {
		return "internal"
	}
	if e.Kind == errs.KindThreatDetected {
		if verdict, _ := e.Context["verdict"].(string); verdict != "" {
			if rule, _ := e.Context["rule_id"].(string); rule != "" {
				return "scan_" + verdict + ":" + rule
			}
			return "scan_" + verdict
		}
	}
	return e.Code
}

func removeOutputs(result *models.UploadResult) {
	for _, o := range result.Outputs {
		if o.Path != "" {
			os.Remove(o.Path)
		}
	}
	if result.OriginalPath != "" {
		os.Remove(result.OriginalPath)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errs.CodeOf(err))
}

func stateOf(st *models.CleanupState) models.JobState {
	if st == nil {
		return ""
	}
	return st.State
}

func resultOf(st *models.CleanupState) *models.UploadResult {
	if st == nil {
		return nil
	}
	return st.Result
}
