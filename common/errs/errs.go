// Package errs defines the error taxonomy surfaced to intake callers.
//
// Every failure a caller can observe is an *Error carrying a Kind, a stable
// Code and structured Context (limit values, sizes). Public renders the
// message safe to show end users; scanner rule details never leave Context
// for threat errors.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind groups errors by how callers must react
type Kind string

const (
	KindMalformedInput     Kind = "malformed_input"
	KindDimensionViolation Kind = "dimension_violation"
	KindThreatDetected     Kind = "threat_detected"
	KindQuarantineFault    Kind = "quarantine_fault"
	KindConversionFault    Kind = "conversion_fault"
	KindStateFault         Kind = "state_fault"
)

// Stable error codes
const (
	CodeEmptyUpload        = "empty_upload"
	CodeTooLarge           = "too_large"
	CodeMIMENotAllowed     = "mime_not_allowed"
	CodeMIMEMismatch       = "mime_mismatch"
	CodeUnrecognizedFormat = "unrecognized_format"
	CodeProbeFailed        = "probe_failed"
	CodeProbeTimeout       = "probe_timeout"
	CodeTooSmall           = "dimensions_too_small"
	CodeEdgeExceeded       = "edge_exceeded"
	CodeMegapixelsExceeded = "megapixels_exceeded"
	CodeInvalidOverride    = "invalid_config_override"

	CodeUploadRejected = "upload_rejected"

	CodeQuarantineWrite = "quarantine_write"
	CodeArtifactMissing = "artifact_missing"
	CodeOutsideRoot     = "outside_root"

	CodeFrameLimit        = "frame_limit"
	CodeFrameCorrupt      = "frame_corrupt"
	CodeColorSpace        = "colorspace_conversion"
	CodeOutputTooLarge    = "output_too_large"
	CodeCodec             = "codec_failure"
	CodeUnsupportedSource = "unsupported_source"

	CodeLockTimeout = "lock_timeout"
	CodeStateSave   = "state_save"
)

// Error is the typed error returned across the intake boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString("/")
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Public returns the user-facing message.
// Threat errors are deliberately uniform: blocked and unavailable scans read the same.
func (e *Error) Public() string {
	if e.Kind == KindThreatDetected {
		return "The uploaded file was rejected by the security check."
	}
	if e.Kind == KindQuarantineFault || e.Kind == KindStateFault {
		return "The upload could not be processed. Please try again."
	}
	return e.Message
}

// PublicContext returns the context keys safe to disclose to end users.
func (e *Error) PublicContext() map[string]any {
	if e.Kind == KindThreatDetected || e.Kind == KindQuarantineFault || e.Kind == KindStateFault {
		return nil
	}
	return e.Context
}

// New builds an error with key/value context pairs.
func New(kind Kind, code, msg string, kv ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Context: pairs(kv)}
}

// Wrap builds an error that keeps cause for operators.
func Wrap(kind Kind, code string, cause error, msg string, kv ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Context: pairs(kv), Err: cause}
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not typed.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not typed.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

func pairs(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
