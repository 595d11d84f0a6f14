// Package validation implements the ingest gates an upload passes before it
// is allowed anywhere near the quarantine store.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"time"

	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/sniff"
	_ "github.com/mat/besticon/v3/ico"
	"golang.org/x/image/webp"
)

// Limits is the immutable set of ingest ceilings.
type Limits struct {
	MaxBytes      int64
	MinDimension  int
	MaxEdge       int
	MaxMegapixels float64

	// Allowed declared MIME types mapped to the extension generated for them
	AllowedMIME map[string]string

	ProbeTimeout  time.Duration
	ProbeMaxBytes int64
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:      10 << 20,
		MinDimension:  16,
		MaxEdge:       8192,
		MaxMegapixels: 40,
		AllowedMIME: map[string]string{
			"image/jpeg": ".jpg",
			"image/png":  ".png",
			"image/gif":  ".gif",
			"image/webp": ".webp",
		},
		ProbeTimeout:  2 * time.Second,
		ProbeMaxBytes: 256 << 10,
	}
}

// MaxPixels returns the megapixel ceiling as an exact pixel count.
func (l Limits) MaxPixels() int64 {
	return int64(math.Round(l.MaxMegapixels * 1_000_000))
}

// Result describes an upload that passed every gate.
type Result struct {
	Type      models.SniffedType
	MIME      string
	Extension string
	Width     int
	Height    int
}

// Validator runs the ordered fail-fast gates. It has no side effects.
type Validator struct {
	limits Limits
}

// New creates a validator bound to a copy of limits.
func New(limits Limits) *Validator {
	allowed := make(map[string]string, len(limits.AllowedMIME))
	for mime, ext := range limits.AllowedMIME {
		allowed[sniff.NormalizeMIME(mime)] = ext
	}
	limits.AllowedMIME = allowed
	if limits.ProbeMaxBytes <= 0 {
		limits.ProbeMaxBytes = DefaultLimits().ProbeMaxBytes
	}
	if limits.ProbeTimeout <= 0 {
		limits.ProbeTimeout = DefaultLimits().ProbeTimeout
	}
	return &Validator{limits: limits}
}

// Limits returns the limits the validator enforces.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks size, declared MIME, sniffed type and header-declared
// dimensions, in that order. The first failing gate wins.
func (v *Validator) Validate(ctx context.Context, cand *models.UploadCandidate) (*Result, error) {
	if cand == nil || cand.SizeBytes <= 0 || len(cand.Data) == 0 {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeEmptyUpload, "upload is empty")
	}
	if cand.SizeBytes > v.limits.MaxBytes || int64(len(cand.Data)) > v.limits.MaxBytes {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeTooLarge, "file exceeds the size limit",
			"max_bytes", v.limits.MaxBytes, "size_bytes", cand.SizeBytes)
	}

	declared := sniff.NormalizeMIME(cand.DeclaredMIME)
	ext, ok := v.limits.AllowedMIME[declared]
	if !ok {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeMIMENotAllowed, "file type is not allowed",
			"declared_mime", declared)
	}

	sniffed := sniff.Detect(cand.Data)
	if sniffed == models.TypeUnknown {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeUnrecognizedFormat, "file content is not a recognized image")
	}
	if _, allowed := v.limits.AllowedMIME[sniff.MIME(sniffed)]; !allowed {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeMIMENotAllowed, "file type is not allowed",
			"detected_type", sniffed.String())
	}
	if sniff.TypeForMIME(declared) != sniffed {
		return nil, errs.New(errs.KindMalformedInput, errs.CodeMIMEMismatch, "file content does not match its declared type",
			"declared_mime", declared, "detected_type", sniffed.String())
	}

	cfg, err := v.probe(ctx, sniffed, cand.Data)
	if err != nil {
		return nil, err
	}
	if err := v.checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	return &Result{
		Type:      sniffed,
		MIME:      declared,
		Extension: ext,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

func (v *Validator) checkDimensions(w, h int) error {
	if w < v.limits.MinDimension || h < v.limits.MinDimension {
		return errs.New(errs.KindDimensionViolation, errs.CodeTooSmall, "image dimensions are below the minimum",
			"width", w, "height", h, "min_dimension", v.limits.MinDimension)
	}
	if v.limits.MaxEdge > 0 && (w > v.limits.MaxEdge || h > v.limits.MaxEdge) {
		return errs.New(errs.KindDimensionViolation, errs.CodeEdgeExceeded, "image dimensions exceed the maximum",
			"width", w, "height", h, "max_edge", v.limits.MaxEdge)
	}
	if int64(w)*int64(h) > v.limits.MaxPixels() {
		return errs.New(errs.KindDimensionViolation, errs.CodeMegapixelsExceeded, "image exceeds the megapixel limit",
			"width", w, "height", h, "max_megapixels", v.limits.MaxMegapixels)
	}
	return nil
}

type probeResult struct {
	cfg image.Config
	err error
}

// probe reads header-declared dimensions from at most ProbeMaxBytes under
// ProbeTimeout. Pixel data is never decoded here.
func (v *Validator) probe(ctx context.Context, t models.SniffedType, data []byte) (image.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, v.limits.ProbeTimeout)
	defer cancel()

	header := data
	if int64(len(header)) > v.limits.ProbeMaxBytes {
		header = header[:v.limits.ProbeMaxBytes]
	}

	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		cfg, err := decodeConfig(t, bytes.NewReader(header))
		done <- probeResult{cfg: cfg, err: err}
	}()

	select {
	case <-ctx.Done():
		return image.Config{}, errs.Wrap(errs.KindMalformedInput, errs.CodeProbeTimeout, ctx.Err(),
			"image header could not be read in time", "timeout", v.limits.ProbeTimeout.String())
	case res := <-done:
		if res.err != nil {
			return image.Config{}, errs.Wrap(errs.KindMalformedInput, errs.CodeProbeFailed, res.err,
				"image header is unreadable")
		}
		if res.cfg.Width <= 0 || res.cfg.Height <= 0 {
			return image.Config{}, errs.New(errs.KindMalformedInput, errs.CodeProbeFailed,
				"image header declares no dimensions")
		}
		return res.cfg, nil
	}
}

func decodeConfig(t models.SniffedType, r io.Reader) (image.Config, error) {
	switch t {
	case models.TypeWebP:
		return webp.DecodeConfig(r)
	case models.TypeAVIF:
		return avifConfig(r)
	default:
		// jpeg, png, gif and ico register themselves with image
		cfg, _, err := image.DecodeConfig(r)
		return cfg, err
	}
}
