package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// QuarantineArtifact is an untrusted upload held in the quarantine store.
// Key is the path relative to the quarantine root; it is re-validated against
// the root before every read, delete and promote.
type QuarantineArtifact struct {
	// Content hash (sha256:abc123...)
	Hash digest.Digest `db:"artifact_hash" json:"hash"`

	// Path relative to the quarantine root
	Key string `db:"artifact_key" json:"key"`

	// Byte length of the stored content
	SizeBytes int64 `db:"size_bytes" json:"size_bytes"`

	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	TTL       time.Duration `db:"ttl" json:"ttl"`
}

// ExpiresAt returns the moment the artifact becomes eligible for expiry purge.
func (a *QuarantineArtifact) ExpiresAt() time.Time {
	return a.CreatedAt.Add(a.TTL)
}

// Expired reports whether the artifact outlived its TTL at now.
func (a *QuarantineArtifact) Expired(now time.Time) bool {
	return a.TTL > 0 && now.After(a.ExpiresAt())
}
