// Package intake wires the ingest gates, the quarantine, the threat scanner
// and the conversion pipeline into the upload flow:
//
//	bytes -> validate -> quarantine -> scan (quarantined copy) -> convert -> dispose
//
// Small uploads run synchronously when admission allows; everything else is
// recorded by the lifecycle machine and handed to the worker pool. A job the
// machine cannot record runs synchronously as a degraded dispatch.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/lifecycle"
	"github.com/lyzr/imageintake/common/metrics"
	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/notify"
	"github.com/lyzr/imageintake/common/queue"
	"github.com/lyzr/imageintake/common/scanner"
	"github.com/lyzr/imageintake/common/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ArtifactStore is the quarantine. *quarantine.Store implements it.
type ArtifactStore interface {
	scanner.Source
	Write(ctx context.Context, data []byte) (*models.QuarantineArtifact, error)
	ReadAll(a *models.QuarantineArtifact) ([]byte, error)
	Delete(a *models.QuarantineArtifact) error
	Promote(a *models.QuarantineArtifact, dest string) error
}

// Validator runs the ingest gates
type Validator interface {
	Validate(ctx context.Context, cand *models.UploadCandidate) (*validation.Result, error)
}

// ThreatScanner produces a verdict for a quarantined artifact
type ThreatScanner interface {
	Scan(ctx context.Context, src scanner.Source, a *models.QuarantineArtifact) models.ScanVerdict
}

// Converter re-encodes clean bytes into canonical outputs
type Converter interface {
	Convert(ctx context.Context, src []byte, snap models.PipelineSnapshot, outDir string) (*models.CanonicalOutputs, error)
}

// Tracker is the lifecycle machine as seen by the intake flow
type Tracker interface {
	Create(ctx context.Context, job *models.ConversionJob) (*lifecycle.Dispatch, error)
	Claim(ctx context.Context, jobID, owner string) (*lifecycle.Lease, *models.CleanupState, error)
	Renew(ctx context.Context, lease *lifecycle.Lease) (*lifecycle.Lease, error)
	Complete(ctx context.Context, lease *lifecycle.Lease, result *models.UploadResult) error
	Fail(ctx context.Context, lease *lifecycle.Lease, reason string) error
	Get(ctx context.Context, jobID string) (*models.CleanupState, error)
}

// Dispatcher hands tracked jobs to the worker pool
type Dispatcher interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
}

// Request is one inbound upload
type Request struct {
	Data        []byte
	Filename    string
	ContentType string
	// Subject is the caller's reference echoed in notifications
	Subject string
	// Override is an RFC 7386 merge patch over the encode settings
	Override json.RawMessage
}

// Receipt is returned by Submit. Result is set when the upload was processed
// inline; Deferred receipts are finished later by a worker.
type Receipt struct {
	JobID    string                 `json:"job_id"`
	Deferred bool                   `json:"deferred"`
	Dispatch lifecycle.DispatchMode `json:"dispatch,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Result   *models.UploadResult   `json:"result,omitempty"`
}

// JobMessage is the payload published for tracked jobs
type JobMessage struct {
	JobID string `json:"job_id"`
}

// ServiceOpts contains the collaborators and settings of a Service
type ServiceOpts struct {
	Validator  Validator
	Store      ArtifactStore
	Scanner    ThreatScanner
	Converter  Converter
	Tracker    Tracker
	Dispatcher Dispatcher
	Notifier   notify.Notifier
	Metrics    metrics.Metrics
	Tracer     trace.Tracer
	Logger     Logger

	// Snapshot is the base conversion configuration
	Snapshot     models.PipelineSnapshot
	OutputDir    string
	KeepOriginal bool

	// Uploads up to SyncMaxBytes run inline while the admission limiter allows;
	// SyncMaxBytes <= 0 defers everything
	SyncMaxBytes int64
	SyncRate     float64
	SyncBurst    int

	// RenewEvery is how often a worker extends its job lease
	RenewEvery time.Duration
	// Owner identifies this process as a lock holder
	Owner string
}

// Service runs the intake flow
type Service struct {
	validator  Validator
	store      ArtifactStore
	scanner    ThreatScanner
	converter  Converter
	tracker    Tracker
	dispatcher Dispatcher
	notifier   notify.Notifier
	metrics    metrics.Metrics
	tracer     trace.Tracer
	logger     Logger

	snapshot     models.PipelineSnapshot
	outputDir    string
	keepOriginal bool
	syncMaxBytes int64
	admission    *rate.Limiter
	renewEvery   time.Duration
	owner        string
}

// NewService creates a service; Validator, Store, Scanner, Converter and
// OutputDir are required
func NewService(opts *ServiceOpts) (*Service, error) {
	if opts.Validator == nil || opts.Store == nil || opts.Scanner == nil || opts.Converter == nil {
		return nil, errors.New("validator, store, scanner and converter are required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if err := opts.Snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("base snapshot: %w", err)
	}

	s := &Service{
		validator:    opts.Validator,
		store:        opts.Store,
		scanner:      opts.Scanner,
		converter:    opts.Converter,
		tracker:      opts.Tracker,
		dispatcher:   opts.Dispatcher,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       opts.Logger,
		snapshot:     opts.Snapshot.Clone(),
		outputDir:    opts.OutputDir,
		keepOriginal: opts.KeepOriginal,
		syncMaxBytes: opts.SyncMaxBytes,
		renewEvery:   opts.RenewEvery,
		owner:        opts.Owner,
	}
	if s.notifier == nil {
		s.notifier = notify.Noop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/lyzr/imageintake/common/intake")
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.renewEvery <= 0 {
		s.renewEvery = 10 * time.Second
	}
	if s.owner == "" {
		s.owner = "intake-" + uuid.NewString()
	}

	limit := rate.Limit(opts.SyncRate)
	if opts.SyncRate <= 0 {
		limit = rate.Inf
	}
	burst := opts.SyncBurst
	if burst <= 0 {
		burst = 1
	}
	s.admission = rate.NewLimiter(limit, burst)
	return s, nil
}

// Submit validates and quarantines an upload, then either processes it inline
// or defers it. Validation failures have no side effects.
func (s *Service) Submit(ctx context.Context, req Request) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "intake.submit",
		trace.WithAttributes(attribute.Int("upload.size", len(req.Data))))
	defer span.End()

	cand := models.NewUploadCandidate(req.Data, req.Filename, req.ContentType)
	res, err := s.validate(ctx, cand)
	if err != nil {
		s.metrics.IncUpload("rejected")
		recordError(span, err)
		return nil, err
	}

	snap, err := ApplyOverride(s.snapshot, req.Override)
	if err != nil {
		s.metrics.IncUpload("rejected")
		recordError(span, err)
		return nil, err
	}

	artifact, err := s.quarantine(ctx, req.Data)
	if err != nil {
		s.metrics.IncUpload("failed")
		recordError(span, err)
		return nil, err
	}

	job := &models.ConversionJob{
		ID:           uuid.NewString(),
		Artifact:     *artifact,
		SourceType:   res.Type,
		Filename:     req.Filename,
		Config:       snap,
		DestDir:      s.outputDir,
		KeepOriginal: s.keepOriginal,
		Subject:      req.Subject,
		CreatedAt:    time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("artifact.hash", artifact.Hash.String()))

	if s.admitSync(artifact.SizeBytes) {
		result, err := s.runUntracked(ctx, job)
		if err != nil {
			s.metrics.IncUpload("failed")
			recordError(span, err)
			return nil, err
		}
		s.metrics.IncUpload("accepted")
		return &Receipt{JobID: job.ID, Result: result}, nil
	}

	return s.deferJob(ctx, job)
}

func (s *Service) validate(ctx context.Context, cand *models.UploadCandidate) (*validation.Result, error) {
	ctx, span := s.tracer.Start(ctx, "intake.validate")
	defer span.End()
	return s.validator.Validate(ctx, cand)
}

func (s *Service) quarantine(ctx context.Context, data []byte) (*models.QuarantineArtifact, error) {
	ctx, span := s.tracer.Start(ctx, "intake.quarantine")
	defer span.End()
	a, err := s.store.Write(ctx, data)
	if err != nil {
		return nil, errs.Wrap(errs.KindQuarantineFault, errs.CodeQuarantineWrite, err, "upload could not be quarantined")
	}
	return a, nil
}

// admitSync decides between the inline and the deferred path
func (s *Service) admitSync(size int64) bool {
	if s.syncMaxBytes <= 0 || size > s.syncMaxBytes {
		return false
	}
	return s.admission.Allow()
}

// deferJob records the job and publishes it. A job that cannot be recorded
// runs inline as a degraded dispatch; a recorded job that cannot be
// published is processed inline under its lease.
func (s *Service) deferJob(ctx context.Context, job *models.ConversionJob) (*Receipt, error) {
	if s.tracker == nil {
		s.metrics.IncDispatch(string(lifecycle.DispatchDegraded), lifecycle.ReasonUntracked)
		return s.degraded(ctx, job, lifecycle.ReasonUntracked)
	}

	dispatch, err := s.tracker.Create(ctx, job)
	if err != nil {
		s.discard(&job.Artifact)
		s.metrics.IncUpload("failed")
		return nil, errs.Wrap(errs.KindStateFault, errs.CodeStateSave, err, "upload could not be scheduled")
	}
	s.metrics.IncDispatch(string(dispatch.Mode), dispatch.Reason)

	if dispatch.Degraded() {
		return s.degraded(ctx, job, dispatch.Reason)
	}

	if err := s.publish(ctx, job.ID); err != nil {
		s.logger.Warn("job publish failed, processing inline", "job_id", job.ID, "error", err)
		out, err := s.process(ctx, job.ID)
		if err != nil {
			// the record stays Pending and the sweeper expires it
			s.metrics.IncUpload("failed")
			return nil, errs.Wrap(errs.KindStateFault, errs.CodeStateSave, err, "upload could not be scheduled")
		}
		if out.Err != nil {
			s.metrics.IncUpload("failed")
			return nil, out.Err
		}
		s.metrics.IncUpload("accepted")
		return &Receipt{JobID: job.ID, Dispatch: lifecycle.DispatchTracked, Result: out.Result}, nil
	}

	s.metrics.IncUpload("deferred")
	return &Receipt{JobID: job.ID, Deferred: true, Dispatch: lifecycle.DispatchTracked}, nil
}

func (s *Service) degraded(ctx context.Context, job *models.ConversionJob, reason string) (*Receipt, error) {
	s.logger.Warn("running job as degraded dispatch", "job_id", job.ID, "reason", reason,
		"artifact_key", job.Artifact.Key)
	result, err := s.runUntracked(ctx, job)
	if err != nil {
		s.metrics.IncUpload("failed")
		return nil, err
	}
	s.metrics.IncUpload("accepted")
	return &Receipt{JobID: job.ID, Dispatch: lifecycle.DispatchDegraded, Reason: reason, Result: result}, nil
}

func (s *Service) publish(ctx context.Context, jobID string) error {
	if s.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	payload, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return s.dispatcher.Publish(ctx, queue.TopicConversionJobs, jobID, payload)
}

// Status reads the lifecycle record of a deferred job without the lock
func (s *Service) Status(ctx context.Context, jobID string) (*models.CleanupState, error) {
	if s.tracker == nil {
		return nil, lifecycle.ErrNotFound
	}
	return s.tracker.Get(ctx, jobID)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
