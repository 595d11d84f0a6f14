package models

import (
	"fmt"
	"strings"
)

// OutputFormat is a canonical re-encoded output format
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatWebP OutputFormat = "webp"
	FormatPNG  OutputFormat = "png"
	FormatGIF  OutputFormat = "gif"
)

// Extension returns the file extension written for the format.
func (f OutputFormat) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatWebP:
		return ".webp"
	case FormatPNG:
		return ".png"
	case FormatGIF:
		return ".gif"
	default:
		return ""
	}
}

// PNG ancillary chunk strip policies
const (
	StripNone     = "none"
	StripAll      = "all"
	StripSelected = "selected"
)

// JPEGParams configures JPEG output.
type JPEGParams struct {
	Quality int `json:"quality"`
	// Images with both edges below this size are never encoded progressively
	ProgressiveMinDimension int `json:"progressive_min_dimension"`
}

// WebPParams configures WebP output.
type WebPParams struct {
	Quality float32 `json:"quality"`
	Effort  int     `json:"effort"`
	// When the source has a non-opaque alpha channel, emit WebP instead of JPEG
	AlphaForcesWebP bool `json:"alpha_forces_webp"`
}

// PNGParams configures PNG output.
type PNGParams struct {
	CompressionLevel string `json:"compression_level"` // default, none, speed, best
	Strategy         string `json:"strategy"`          // default, huffman
	Filter           string `json:"filter"`            // adaptive, none, sub, up, average, paeth
	StripPolicy      string `json:"strip_policy"`      // none, all, selected
	// Chunk types stripped under the "selected" policy (e.g. tEXt, eXIf)
	StripChunks []string `json:"strip_chunks,omitempty"`
}

// GIFParams configures animated GIF handling.
type GIFParams struct {
	MaxFrames         int    `json:"max_frames"`
	Resample          string `json:"resample"`
	PreserveAnimation bool   `json:"preserve_animation"`
}

// PipelineSnapshot is the immutable conversion configuration captured when a
// job is created. It is copied by value into every ConversionJob.
type PipelineSnapshot struct {
	Targets        []OutputFormat `json:"targets"`
	MaxOutputBytes int64          `json:"max_output_bytes"`
	MaxOutputEdge  int            `json:"max_output_edge"`
	JPEG           JPEGParams     `json:"jpeg"`
	WebP           WebPParams     `json:"webp"`
	PNG            PNGParams      `json:"png"`
	GIF            GIFParams      `json:"gif"`
}

// Clone returns a deep copy so slices are not shared between jobs.
func (s PipelineSnapshot) Clone() PipelineSnapshot {
	out := s
	out.Targets = append([]OutputFormat(nil), s.Targets...)
	out.PNG.StripChunks = append([]string(nil), s.PNG.StripChunks...)
	return out
}

var (
	validCompression = map[string]bool{"default": true, "none": true, "speed": true, "best": true}
	validStrategy    = map[string]bool{"default": true, "huffman": true}
	validFilter      = map[string]bool{"adaptive": true, "none": true, "sub": true, "up": true, "average": true, "paeth": true}
	validStrip       = map[string]bool{StripNone: true, StripAll: true, StripSelected: true}
	validResample    = map[string]bool{
		"nearest": true, "box": true, "linear": true, "hermite": true, "mitchell": true,
		"catmullrom": true, "bspline": true, "gaussian": true, "lanczos": true,
	}
)

// Validate checks parameter ranges.
func (s PipelineSnapshot) Validate() error {
	if len(s.Targets) == 0 {
		return fmt.Errorf("at least one target format is required")
	}
	for _, t := range s.Targets {
		if t.Extension() == "" {
			return fmt.Errorf("unsupported target format: %q", t)
		}
	}
	if s.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive")
	}
	if s.MaxOutputEdge <= 0 {
		return fmt.Errorf("max_output_edge must be positive")
	}
	if s.JPEG.Quality < 1 || s.JPEG.Quality > 100 {
		return fmt.Errorf("jpeg quality must be within 1..100, got %d", s.JPEG.Quality)
	}
	if s.JPEG.ProgressiveMinDimension < 0 {
		return fmt.Errorf("jpeg progressive_min_dimension must not be negative")
	}
	if s.WebP.Quality < 0 || s.WebP.Quality > 100 {
		return fmt.Errorf("webp quality must be within 0..100, got %v", s.WebP.Quality)
	}
	if s.WebP.Effort < 0 || s.WebP.Effort > 6 {
		return fmt.Errorf("webp effort must be within 0..6, got %d", s.WebP.Effort)
	}
	if !validCompression[strings.ToLower(s.PNG.CompressionLevel)] {
		return fmt.Errorf("unknown png compression level: %q", s.PNG.CompressionLevel)
	}
	if !validStrategy[strings.ToLower(s.PNG.Strategy)] {
		return fmt.Errorf("unknown png strategy: %q", s.PNG.Strategy)
	}
	if !validFilter[strings.ToLower(s.PNG.Filter)] {
		return fmt.Errorf("unknown png filter: %q", s.PNG.Filter)
	}
	if !validStrip[strings.ToLower(s.PNG.StripPolicy)] {
		return fmt.Errorf("unknown png strip policy: %q", s.PNG.StripPolicy)
	}
	if s.GIF.MaxFrames <= 0 {
		return fmt.Errorf("gif max_frames must be positive")
	}
	if !validResample[strings.ToLower(s.GIF.Resample)] {
		return fmt.Errorf("unknown resample filter: %q", s.GIF.Resample)
	}
	return nil
}

// HasTarget reports whether the snapshot requests the given format.
func (s PipelineSnapshot) HasTarget(f OutputFormat) bool {
	for _, t := range s.Targets {
		if t == f {
			return true
		}
	}
	return false
}

// DefaultPipelineSnapshot returns the conversion settings used when nothing
// is configured: JPEG plus WebP, everything ancillary stripped.
func DefaultPipelineSnapshot() PipelineSnapshot {
	return PipelineSnapshot{
		Targets:        []OutputFormat{FormatJPEG, FormatWebP},
		MaxOutputBytes: 2 << 20,
		MaxOutputEdge:  2048,
		JPEG:           JPEGParams{Quality: 85, ProgressiveMinDimension: 256},
		WebP:           WebPParams{Quality: 80, Effort: 4, AlphaForcesWebP: true},
		PNG: PNGParams{
			CompressionLevel: "default",
			Strategy:         "default",
			Filter:           "adaptive",
			StripPolicy:      StripAll,
		},
		GIF: GIFParams{MaxFrames: 60, Resample: "lanczos", PreserveAnimation: true},
	}
}
