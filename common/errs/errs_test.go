package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormattingAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindQuarantineFault, CodeQuarantineWrite, cause, "write failed", "attempts", 3)

	assert.Contains(t, err.Error(), "quarantine_fault/quarantine_write")
	assert.Contains(t, err.Error(), "attempts=3")
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindQuarantineFault, got.Kind)
	assert.Equal(t, KindQuarantineFault, KindOf(wrapped))
	assert.Equal(t, CodeQuarantineWrite, CodeOf(wrapped))
}

func TestIsMatchesKindAndCode(t *testing.T) {
	err := New(KindDimensionViolation, CodeMegapixelsExceeded, "too many pixels")

	assert.ErrorIs(t, err, &Error{Kind: KindDimensionViolation})
	assert.ErrorIs(t, err, &Error{Kind: KindDimensionViolation, Code: CodeMegapixelsExceeded})
	assert.NotErrorIs(t, err, &Error{Kind: KindDimensionViolation, Code: CodeTooSmall})
	assert.NotErrorIs(t, err, &Error{Kind: KindMalformedInput})
}

func TestPublicHidesThreatDetails(t *testing.T) {
	blocked := New(KindThreatDetected, CodeUploadRejected, "rule polyglot.exec-superglobal matched",
		"rule_id", "polyglot.exec-superglobal")
	unavailable := New(KindThreatDetected, CodeUploadRejected, "scanner unavailable")

	assert.Equal(t, blocked.Public(), unavailable.Public())
	assert.NotContains(t, blocked.Public(), "polyglot")
	assert.Nil(t, blocked.PublicContext())

	tooLarge := New(KindMalformedInput, CodeTooLarge, "file exceeds the size limit", "max_bytes", 1024)
	assert.Equal(t, "file exceeds the size limit", tooLarge.Public())
	assert.Equal(t, 1024, tooLarge.PublicContext()["max_bytes"])
}
