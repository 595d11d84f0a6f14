// Package convert re-encodes verified uploads into canonical output formats.
//
// Decoding discards every byte that is not pixel data, so the outputs carry
// no metadata, no trailing payloads and no animation the snapshot did not
// ask for. Outputs are produced all-or-nothing: a failure on any format
// removes everything written for the job.
package convert

import (
	"bytes"
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
)

// Logger interface for pipeline logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Pipeline converts clean artifacts. It is safe for concurrent use; at most
// the configured number of conversions decode at once.
type Pipeline struct {
	capability Capability
	backend    Backend
	logger     Logger
	sem        chan struct{}
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithConcurrency bounds simultaneous conversions.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithBackend overrides the codec backend.
func WithBackend(b Backend) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.backend = b
		}
	}
}

// NewPipeline creates a pipeline bound to the resolved capability.
func NewPipeline(c Capability, logger Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = nopLogger{}
	}
	p := &Pipeline{
		capability: c,
		backend:    newBackend(c),
		logger:     logger,
		sem:        make(chan struct{}, 4),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capability returns the backend capability in use.
func (p *Pipeline) Capability() Capability {
	return p.capability
}

// Convert decodes src and writes one output per target format into outDir.
func (p *Pipeline) Convert(ctx context.Context, src []byte, snap models.PipelineSnapshot, outDir string) (*models.CanonicalOutputs, error) {
	if err := snap.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "conversion settings are invalid")
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, ctx.Err(), "conversion was cancelled")
	}

	start := time.Now()
	decoded, err := decodeSource(src, snap)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "conversion was cancelled")
	}

	filter := resampleFilter(snap.GIF.Resample)
	still := fit(decoded.still, snap.MaxOutputEdge, filter)
	targets := planTargets(snap, still)

	stage, err := newStaging(outDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "output location is not writable")
	}
	defer stage.release()

	base := uuid.NewString()
	result := &models.CanonicalOutputs{
		Width:   still.Bounds().Dx(),
		Height:  still.Bounds().Dy(),
		Backend: p.backend.Name(),
	}

	for _, format := range targets {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "conversion was cancelled")
		}

		data, out, err := p.encode(ctx, format, decoded, still, src, snap, filter)
		if err != nil {
			return nil, err
		}

		out.Format = format
		out.Filename = base + format.Extension()
		out.SizeBytes = int64(len(data))
		out.Hash = digest.FromBytes(data)
		if out.Width == 0 {
			out.Width, out.Height = still.Bounds().Dx(), still.Bounds().Dy()
		}
		path, err := stage.add(out.Filename, data)
		if err != nil {
			return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "output could not be written")
		}
		out.Path = path
		result.Outputs = append(result.Outputs, *out)
	}

	if err := stage.commit(); err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "outputs could not be finalized")
	}

	p.logger.Debug("conversion finished",
		"backend", p.backend.Name(),
		"outputs", len(result.Outputs),
		"width", result.Width,
		"height", result.Height,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (p *Pipeline) encode(ctx context.Context, format models.OutputFormat, src *source, still image.Image, raw []byte, snap models.PipelineSnapshot, filter imaging.ResampleFilter) ([]byte, *models.CanonicalOutput, error) {
	lw := &limitWriter{max: snap.MaxOutputBytes}
	out := &models.CanonicalOutput{}

	var err error
	switch format {
	case models.FormatJPEG:
		b := still.Bounds()
		progressive := b.Dx() >= snap.JPEG.ProgressiveMinDimension || b.Dy() >= snap.JPEG.ProgressiveMinDimension
		out.Progressive, err = p.backend.EncodeJPEG(ctx, lw, flatten(still), snap.JPEG, progressive)
	case models.FormatWebP:
		err = p.backend.EncodeWebP(ctx, lw, still, snap.WebP)
	case models.FormatPNG:
		err = p.backend.EncodePNG(ctx, lw, still, snap.PNG)
	case models.FormatGIF:
		out.Frames, err = encodeGIF(lw, src, still, snap, filter)
	default:
		err = fmt.Errorf("unsupported target format %q", format)
	}

	if lw.exceeded {
		return nil, nil, errs.New(errs.KindConversionFault, errs.CodeOutputTooLarge,
			"converted image exceeds the output size limit",
			"format", string(format), "max_output_bytes", snap.MaxOutputBytes)
	}
	if err != nil {
		if ce, ok := errs.As(err); ok {
			return nil, nil, ce
		}
		return nil, nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err,
			"image could not be encoded", "format", string(format))
	}

	data := lw.buf.Bytes()
	if format == models.FormatPNG {
		data, err = applyPNGStripPolicy(data, raw, snap.PNG)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err, "image could not be encoded", "format", "png")
		}
		if int64(len(data)) > snap.MaxOutputBytes {
			return nil, nil, errs.New(errs.KindConversionFault, errs.CodeOutputTooLarge,
				"converted image exceeds the output size limit",
				"format", string(format), "max_output_bytes", snap.MaxOutputBytes)
		}
	}
	return data, out, nil
}

// planTargets applies the alpha rule: with AlphaForcesWebP, a transparent
// image gets WebP in place of JPEG.
func planTargets(snap models.PipelineSnapshot, img image.Image) []models.OutputFormat {
	if !snap.WebP.AlphaForcesWebP || !snap.HasTarget(models.FormatJPEG) || isOpaque(img) {
		return append([]models.OutputFormat(nil), snap.Targets...)
	}
	out := make([]models.OutputFormat, 0, len(snap.Targets))
	hasWebP := snap.HasTarget(models.FormatWebP)
	for _, t := range snap.Targets {
		if t == models.FormatJPEG {
			if hasWebP {
				continue
			}
			t = models.FormatWebP
			hasWebP = true
		}
		out = append(out, t)
	}
	return out
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

// flatten composites onto white; JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	if isOpaque(img) {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// fit scales img down so neither edge exceeds maxEdge.
func fit(img image.Image, maxEdge int, filter imaging.ResampleFilter) image.Image {
	b := img.Bounds()
	if maxEdge <= 0 || (b.Dx() <= maxEdge && b.Dy() <= maxEdge) {
		return img
	}
	return imaging.Fit(img, maxEdge, maxEdge, filter)
}

func resampleFilter(name string) imaging.ResampleFilter {
	switch strings.ToLower(name) {
	case "nearest":
		return imaging.NearestNeighbor
	case "box":
		return imaging.Box
	case "linear":
		return imaging.Linear
	case "hermite":
		return imaging.Hermite
	case "mitchell":
		return imaging.MitchellNetravali
	case "catmullrom":
		return imaging.CatmullRom
	case "bspline":
		return imaging.BSpline
	case "gaussian":
		return imaging.Gaussian
	default:
		return imaging.Lanczos
	}
}

// encodeGIF writes an animated GIF when the source is animated and the
// snapshot preserves animation; otherwise a single flattened frame.
func encodeGIF(w io.Writer, src *source, still image.Image, snap models.PipelineSnapshot, filter imaging.ResampleFilter) (int, error) {
	if !src.animated() || !snap.GIF.PreserveAnimation {
		return 1, gif.Encode(w, still, &gif.Options{NumColors: 256})
	}

	g := src.anim
	if g.Config.Width <= snap.MaxOutputEdge && g.Config.Height <= snap.MaxOutputEdge {
		// re-encoding drops comments, application blocks and trailing data
		clean := &gif.GIF{
			Image:           g.Image,
			Delay:           g.Delay,
			Disposal:        g.Disposal,
			LoopCount:       g.LoopCount,
			Config:          g.Config,
			BackgroundIndex: g.BackgroundIndex,
		}
		return len(g.Image), gif.EncodeAll(w, clean)
	}

	frames, err := resizeAnimation(g, snap.MaxOutputEdge, filter)
	if err != nil {
		return 0, err
	}
	return len(frames.Image), gif.EncodeAll(w, frames)
}

// resizeAnimation composites each frame onto the logical screen, honoring
// disposal, then scales and re-quantizes it against the frame's palette.
// Only one full-size canvas (plus a saved copy for DisposalPrevious) is held.
func resizeAnimation(g *gif.GIF, maxEdge int, filter imaging.ResampleFilter) (out *gif.GIF, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Wrap(errs.KindConversionFault, errs.CodeFrameCorrupt, fmt.Errorf("panic: %v", r),
				"animation frame data is corrupt")
		}
	}()

	screen := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	canvas := image.NewNRGBA(screen)
	out = &gif.GIF{LoopCount: g.LoopCount}

	for i, frame := range g.Image {
		var saved *image.NRGBA
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = image.NewNRGBA(screen)
			copy(saved.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		scaled := imaging.Fit(canvas, maxEdge, maxEdge, filter)

		pal := frame.Palette
		if len(pal) == 0 {
			pal = color.Palette{color.Black, color.White}
		}
		quantized := image.NewPaletted(scaled.Bounds(), pal)
		draw.FloydSteinberg.Draw(quantized, scaled.Bounds(), scaled, scaled.Bounds().Min)

		out.Image = append(out.Image, quantized)
		delay := 0
		if i < len(g.Delay) {
			delay = g.Delay[i]
		}
		out.Delay = append(out.Delay, delay)
		out.Disposal = append(out.Disposal, gif.DisposalNone)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	if len(out.Image) > 0 {
		b := out.Image[0].Bounds()
		out.Config = image.Config{ColorModel: out.Image[0].Palette, Width: b.Dx(), Height: b.Dy()}
	}
	return out, nil
}

// limitWriter buffers up to max bytes and flags any attempt to exceed it
type limitWriter struct {
	buf      bytes.Buffer
	max      int64
	exceeded bool
}

var errLimit = errors.New("output size limit exceeded")

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(l.buf.Len())+int64(len(p)) > l.max {
		l.exceeded = true
		return 0, errLimit
	}
	return l.buf.Write(p)
}

// staging writes outputs to temp files and publishes them together.
// release removes everything unless commit completed.
type staging struct {
	dir       string
	pending   []stagedFile
	published []string
	done      bool
}

type stagedFile struct {
	tmp   string
	final string
}

func newStaging(dir string) (*staging, error) {
	if dir == "" {
		return nil, errors.New("empty output directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &staging{dir: abs}, nil
}

func (s *staging) add(name string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".convert-*")
	if err != nil {
		return "", err
	}
	s.pending = append(s.pending, stagedFile{tmp: f.Name(), final: filepath.Join(s.dir, name)})
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func (s *staging) commit() error {
	for _, f := range s.pending {
		if err := os.Link(f.tmp, f.final); err != nil {
			return err
		}
		s.published = append(s.published, f.final)
	}
	s.done = true
	return nil
}

func (s *staging) release() {
	for _, f := range s.pending {
		os.Remove(f.tmp)
	}
	if !s.done {
		for _, p := range s.published {
			os.Remove(p)
		}
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
