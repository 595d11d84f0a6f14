package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// JobState is the lifecycle marker of a conversion job
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobExpired    JobState = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// ConversionJob references a quarantined artifact and the configuration
// snapshot frozen at creation time.
type ConversionJob struct {
	ID           string             `json:"id"`
	Artifact     QuarantineArtifact `json:"artifact"`
	SourceType   SniffedType        `json:"source_type"`
	Filename     string             `json:"filename"`
	Config       PipelineSnapshot   `json:"config"`
	DestDir      string             `json:"dest_dir"`
	KeepOriginal bool               `json:"keep_original"`
	Subject      string             `json:"subject,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// CleanupState is the durable lifecycle record of a deferred job.
// Maps to: upload_cleanup_state table
type CleanupState struct {
	JobID         string        `db:"job_id" json:"job_id"`
	ArtifactHash  digest.Digest `db:"artifact_hash" json:"artifact_hash"`
	ArtifactKey   string        `db:"artifact_key" json:"artifact_key"`
	State         JobState      `db:"state" json:"state"`
	Reason        string        `db:"reason" json:"reason,omitempty"`
	LockOwner     string        `db:"lock_owner" json:"lock_owner,omitempty"`
	LockExpiresAt time.Time     `db:"lock_expires_at" json:"lock_expires_at,omitempty"`
	PersistedAt   time.Time     `db:"persisted_at" json:"persisted_at"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`

	// Job is force-expired after this moment regardless of worker liveness
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`

	// Set once terminal; the sweeper purges the artifact and the record after it
	PurgeAfter *time.Time `db:"purge_after" json:"purge_after,omitempty"`

	Job    *ConversionJob `db:"job" json:"job,omitempty"`
	Result *UploadResult  `db:"result" json:"result,omitempty"`
}

// LockHeldBy reports whether owner holds a non-expired lock on the record.
func (c *CleanupState) LockHeldBy(owner string, now time.Time) bool {
	return owner != "" && c.LockOwner == owner && now.Before(c.LockExpiresAt)
}
