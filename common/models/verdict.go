package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// VerdictKind is the outcome of a threat scan
type VerdictKind string

const (
	VerdictClean       VerdictKind = "clean"
	VerdictBlocked     VerdictKind = "blocked"
	VerdictUnavailable VerdictKind = "unavailable"
)

// Confidence tiers attached to blocked verdicts for audit logging
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ScanVerdict is computed once per artifact content hash.
// RuleID, Confidence and Reason are operator-facing only.
type ScanVerdict struct {
	Kind       VerdictKind   `json:"kind"`
	Hash       digest.Digest `json:"hash"`
	RuleID     string        `json:"rule_id,omitempty"`
	Confidence Confidence    `json:"confidence,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	ScannedAt  time.Time     `json:"scanned_at"`
}

// Clean reports whether promotion may proceed.
// Anything other than an explicit clean verdict blocks (fail closed).
func (v ScanVerdict) Clean() bool {
	return v.Kind == VerdictClean
}

// Cacheable reports whether the verdict is safe to reuse for identical bytes.
func (v ScanVerdict) Cacheable() bool {
	return v.Kind == VerdictClean || v.Kind == VerdictBlocked
}
