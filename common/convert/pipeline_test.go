package convert

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Log(append([]interface{}{msg}, kv...)...) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Log(append([]interface{}{msg}, kv...)...) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Log(append([]interface{}{msg}, kv...)...) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Log(append([]interface{}{msg}, kv...)...) }

func gradient(w, h int, alpha bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if alpha && x < w/2 {
				a = 0
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 120, A: a})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h, false), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func animatedGIF(t *testing.T, frames, size int) []byte {
	t.Helper()
	pal := color.Palette{color.Black, color.White, color.RGBA{R: 255, A: 255}}
	g := &gif.GIF{LoopCount: 0}
	for i := 0; i < frames; i++ {
		f := image.NewPaletted(image.Rect(0, 0, size, size), pal)
		f.SetColorIndex(i%size, i%size, uint8(1+i%2))
		g.Image = append(g.Image, f)
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func newPipeline(t *testing.T, opts ...Option) *Pipeline {
	return NewPipeline(BaselineCodec, testLogger{t}, opts...)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func requireConvertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, errs.KindConversionFault, errs.KindOf(err))
	assert.Equal(t, code, errs.CodeOf(err))
}

func TestConvertJPEGToJPEGAndWebP(t *testing.T) {
	p := newPipeline(t)
	outDir := filepath.Join(t.TempDir(), "public")
	snap := models.DefaultPipelineSnapshot()

	res, err := p.Convert(context.Background(), jpegBytes(t, 64, 48), snap, outDir)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, 64, res.Width)
	assert.Equal(t, 48, res.Height)
	assert.Equal(t, "baseline", res.Backend)

	assert.Equal(t, models.FormatJPEG, res.Outputs[0].Format)
	assert.Equal(t, models.FormatWebP, res.Outputs[1].Format)
	for _, out := range res.Outputs {
		assert.LessOrEqual(t, out.SizeBytes, snap.MaxOutputBytes)
		info, err := os.Stat(out.Path)
		require.NoError(t, err)
		assert.Equal(t, out.SizeBytes, info.Size())
		assert.Equal(t, outDir, filepath.Dir(out.Path))
	}
	assert.Len(t, dirEntries(t, outDir), 2, "no temp files remain")
}

func TestConvertGIFFrameLimitFailsBeforeOutput(t *testing.T) {
	p := newPipeline(t)
	outDir := filepath.Join(t.TempDir(), "out")
	snap := models.DefaultPipelineSnapshot()
	snap.GIF.MaxFrames = 60

	_, err := p.Convert(context.Background(), animatedGIF(t, 500, 4), snap, outDir)
	requireConvertCode(t, err, errs.CodeFrameLimit)
	assert.Empty(t, dirEntries(t, outDir))
}

func TestConvertCorruptGIFFrame(t *testing.T) {
	p := newPipeline(t)
	data := animatedGIF(t, 3, 4)
	corrupt := data[:len(data)-6]

	_, err := p.Convert(context.Background(), corrupt, models.DefaultPipelineSnapshot(), t.TempDir())
	requireConvertCode(t, err, errs.CodeFrameCorrupt)
}

func TestConvertOutputSizeCeiling(t *testing.T) {
	p := newPipeline(t)
	outDir := t.TempDir()

	noise := image.NewNRGBA(image.Rect(0, 0, 128, 128))
	rand.New(rand.NewSource(1)).Read(noise.Pix)
	for i := 3; i < len(noise.Pix); i += 4 {
		noise.Pix[i] = 255
	}

	snap := models.DefaultPipelineSnapshot()
	snap.MaxOutputBytes = 512
	_, err := p.Convert(context.Background(), pngBytes(t, noise), snap, outDir)
	requireConvertCode(t, err, errs.CodeOutputTooLarge)
	assert.Empty(t, dirEntries(t, outDir))
}

type failingWebP struct{ baselineBackend }

func (failingWebP) EncodeWebP(context.Context, io.Writer, image.Image, models.WebPParams) error {
	return errors.New("encoder crashed")
}

func TestConvertDiscardsPartialOutputs(t *testing.T) {
	p := newPipeline(t, WithBackend(failingWebP{}))
	outDir := t.TempDir()

	_, err := p.Convert(context.Background(), jpegBytes(t, 32, 32), models.DefaultPipelineSnapshot(), outDir)
	requireConvertCode(t, err, errs.CodeCodec)
	assert.Empty(t, dirEntries(t, outDir), "the jpeg written before the failure is removed")
}

func TestConvertAlphaForcesWebP(t *testing.T) {
	p := newPipeline(t)
	src := pngBytes(t, gradient(32, 32, true))

	snap := models.DefaultPipelineSnapshot()
	snap.Targets = []models.OutputFormat{models.FormatJPEG, models.FormatPNG}
	res, err := p.Convert(context.Background(), src, snap, t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, models.FormatWebP, res.Outputs[0].Format)
	assert.Equal(t, models.FormatPNG, res.Outputs[1].Format)

	snap.WebP.AlphaForcesWebP = false
	res, err = p.Convert(context.Background(), src, snap, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, models.FormatJPEG, res.Outputs[0].Format)
}

func TestConvertFitsIntoMaxEdge(t *testing.T) {
	p := newPipeline(t)
	snap := models.DefaultPipelineSnapshot()
	snap.MaxOutputEdge = 100
	snap.Targets = []models.OutputFormat{models.FormatPNG}

	res, err := p.Convert(context.Background(), pngBytes(t, gradient(300, 200, false)), snap, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 66, res.Height)

	f, err := os.Open(res.Outputs[0].Path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
}

func TestConvertStripsTrailingPayload(t *testing.T) {
	p := newPipeline(t)
	src := append(pngBytes(t, gradient(32, 32, false)), []byte("<?php system($_GET['c']); ?>")...)
	snap := models.DefaultPipelineSnapshot()
	snap.Targets = []models.OutputFormat{models.FormatPNG, models.FormatJPEG}

	res, err := p.Convert(context.Background(), src, snap, t.TempDir())
	require.NoError(t, err)
	for _, out := range res.Outputs {
		data, err := os.ReadFile(out.Path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "<?php")
	}
}

func TestConvertAnimatedGIF(t *testing.T) {
	p := newPipeline(t)
	snap := models.DefaultPipelineSnapshot()
	snap.Targets = []models.OutputFormat{models.FormatGIF, models.FormatPNG}

	res, err := p.Convert(context.Background(), animatedGIF(t, 3, 20), snap, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Outputs[0].Frames)

	snap.MaxOutputEdge = 10
	res, err = p.Convert(context.Background(), animatedGIF(t, 3, 20), snap, t.TempDir())
	require.NoError(t, err)
	f, err := os.Open(res.Outputs[0].Path)
	require.NoError(t, err)
	defer f.Close()
	g, err := gif.DecodeAll(f)
	require.NoError(t, err)
	assert.Len(t, g.Image, 3)
	assert.Equal(t, 10, g.Config.Width)

	snap.GIF.PreserveAnimation = false
	res, err = p.Convert(context.Background(), animatedGIF(t, 3, 20), snap, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outputs[0].Frames)
}

func TestConvertRejectsAVIFAndGarbage(t *testing.T) {
	p := newPipeline(t)
	avif := []byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00mif1avif")
	_, err := p.Convert(context.Background(), avif, models.DefaultPipelineSnapshot(), t.TempDir())
	requireConvertCode(t, err, errs.CodeUnsupportedSource)

	broken := jpegBytes(t, 16, 16)[:40]
	_, err = p.Convert(context.Background(), broken, models.DefaultPipelineSnapshot(), t.TempDir())
	requireConvertCode(t, err, errs.CodeCodec)
}

func TestConvertRejectsInvalidSnapshot(t *testing.T) {
	p := newPipeline(t)
	snap := models.DefaultPipelineSnapshot()
	snap.JPEG.Quality = 0
	_, err := p.Convert(context.Background(), jpegBytes(t, 16, 16), snap, t.TempDir())
	requireConvertCode(t, err, errs.CodeCodec)
}

// brokenCMYK reports the CMYK model but fails on every sample read
type brokenCMYK struct{ *image.CMYK }

func (brokenCMYK) At(int, int) color.Color { panic("bad sample") }
func (brokenCMYK) RGBA64At(int, int) color.RGBA64 { panic("bad sample") }
func (brokenCMYK) CMYKAt(int, int) color.CMYK { panic("bad sample") }

func TestNormalizeColor(t *testing.T) {
	cmyk := image.NewCMYK(image.Rect(0, 0, 2, 2))
	cmyk.Set(0, 0, color.CMYK{C: 255})
	out, err := normalizeColor(cmyk)
	require.NoError(t, err)
	nrgba, ok := out.(*image.NRGBA)
	require.True(t, ok)
	r, g, b, _ := nrgba.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	assert.Equal(t, uint32(255), g>>8)
	assert.Equal(t, uint32(255), b>>8)

	_, err = normalizeColor(brokenCMYK{image.NewCMYK(image.Rect(0, 0, 2, 2))})
	require.Error(t, err)
	assert.Equal(t, errs.CodeColorSpace, errs.CodeOf(err))
	ce, ok := errs.As(err)
	require.True(t, ok)
	assert.Empty(t, ce.PublicContext(), "panic text stays out of the user payload")
	assert.ErrorContains(t, err, "bad sample")

	rgb := gradient(2, 2, false)
	same, err := normalizeColor(rgb)
	require.NoError(t, err)
	assert.Same(t, rgb, same)
}

func TestCountGIFFrames(t *testing.T) {
	n, err := countGIFFrames(animatedGIF(t, 7, 4), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = countGIFFrames(animatedGIF(t, 7, 4), 5)
	assert.ErrorIs(t, err, errFrameLimit)

	_, err = countGIFFrames([]byte("GIF89a"), 5)
	assert.Error(t, err)
}

func TestPNGStripPolicy(t *testing.T) {
	src := pngBytes(t, gradient(8, 8, false))
	chunks, err := readPNGChunks(src)
	require.NoError(t, err)

	var withText bytes.Buffer
	withText.Write(pngSignature)
	writePNGChunk(&withText, chunks[0])
	writePNGChunk(&withText, pngChunk{typ: "tEXt", data: []byte("Comment\x00hello")})
	writePNGChunk(&withText, pngChunk{typ: "tRNS", data: []byte{0, 0}})
	for _, c := range chunks[1:] {
		writePNGChunk(&withText, c)
	}
	source := withText.Bytes()

	for _, tc := range []struct {
		params   models.PNGParams
		wantText bool
	}{
		{models.PNGParams{StripPolicy: models.StripNone}, true},
		{models.PNGParams{StripPolicy: models.StripAll}, false},
		{models.PNGParams{StripPolicy: models.StripSelected, StripChunks: []string{"tEXt"}}, false},
		{models.PNGParams{StripPolicy: models.StripSelected, StripChunks: []string{"eXIf"}}, true},
	} {
		out, err := applyPNGStripPolicy(src, source, tc.params)
		require.NoError(t, err)
		assert.Equal(t, tc.wantText, bytes.Contains(out, []byte("tEXt")), tc.params)
		assert.False(t, bytes.Contains(out, []byte("tRNS")), "pixel chunks are never copied")

		_, err = png.Decode(bytes.NewReader(out))
		assert.NoError(t, err)
	}
}

func TestPNGEncoderFilters(t *testing.T) {
	img := gradient(24, 10, true)

	idatRows := func(t *testing.T, data []byte) [][]byte {
		t.Helper()
		chunks, err := readPNGChunks(data)
		require.NoError(t, err)
		var z bytes.Buffer
		for _, c := range chunks {
			if c.typ == "IDAT" {
				z.Write(c.data)
			}
		}
		r, err := zlib.NewReader(&z)
		require.NoError(t, err)
		raw, err := io.ReadAll(r)
		require.NoError(t, err)
		rowLen := 1 + 24*4
		require.Len(t, raw, rowLen*10)
		rows := make([][]byte, 10)
		for i := range rows {
			rows[i] = raw[i*rowLen : (i+1)*rowLen]
		}
		return rows
	}

	for name, want := range map[string]byte{"none": 0, "sub": 1, "up": 2, "average": 3, "paeth": 4} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			params := models.DefaultPipelineSnapshot().PNG
			params.Filter = name
			require.NoError(t, encodePNG(&buf, img, params))

			for _, row := range idatRows(t, buf.Bytes()) {
				assert.Equal(t, want, row[0])
			}
			decoded, err := png.Decode(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			for _, pt := range []image.Point{{0, 0}, {5, 3}, {23, 9}} {
				assert.Equal(t, img.NRGBAAt(pt.X, pt.Y), color.NRGBAModel.Convert(decoded.At(pt.X, pt.Y)), pt)
			}
		})
	}

	var adaptive bytes.Buffer
	require.NoError(t, encodePNG(&adaptive, img, models.DefaultPipelineSnapshot().PNG))
	used := map[byte]bool{}
	for _, row := range idatRows(t, adaptive.Bytes()) {
		used[row[0]] = true
	}
	assert.False(t, used[0] && len(used) == 1, "adaptive picks a predictor for a gradient")
}

func TestPNGEncoderStrategy(t *testing.T) {
	noise := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	rand.New(rand.NewSource(3)).Read(noise.Pix)
	for i := 3; i < len(noise.Pix); i += 4 {
		noise.Pix[i] = 255
	}
	rows := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := range rows.Pix {
		rows.Pix[i] = byte(i % 7)
	}

	encode := func(img image.Image, strategy string) []byte {
		params := models.DefaultPipelineSnapshot().PNG
		params.Strategy = strategy
		params.Filter = "none"
		var buf bytes.Buffer
		require.NoError(t, encodePNG(&buf, img, params))
		_, err := png.Decode(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		return buf.Bytes()
	}
	// huffman-only cannot exploit the repeating pattern
	assert.Greater(t, len(encode(rows, "huffman")), len(encode(rows, "default")))
	assert.NotEqual(t, encode(noise, "huffman"), encode(noise, "default"))

	var buf bytes.Buffer
	assert.Error(t, encodePNG(&buf, noise, models.PNGParams{Strategy: "rle", Filter: "none"}))

	snap := models.DefaultPipelineSnapshot()
	snap.PNG.Strategy = "rle"
	assert.ErrorContains(t, snap.Validate(), "strategy")
}

func TestConvertPassesEncoderSettings(t *testing.T) {
	rec := &recordingBackend{}
	p := newPipeline(t, WithBackend(rec))
	snap := models.DefaultPipelineSnapshot()
	snap.JPEG.ProgressiveMinDimension = 40
	snap.WebP.Effort = 6

	_, err := p.Convert(context.Background(), jpegBytes(t, 32, 32), snap, t.TempDir())
	require.NoError(t, err)
	_, err = p.Convert(context.Background(), jpegBytes(t, 48, 16), snap, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true}, rec.progressive, "progressive only at or above the threshold")
	assert.Equal(t, []int{6, 6}, rec.effort)
}

type recordingBackend struct {
	baselineBackend
	progressive []bool
	effort      []int
}

func (r *recordingBackend) EncodeJPEG(ctx context.Context, w io.Writer, img image.Image, p models.JPEGParams, progressive bool) (bool, error) {
	r.progressive = append(r.progressive, progressive)
	return r.baselineBackend.EncodeJPEG(ctx, w, img, p, progressive)
}

func (r *recordingBackend) EncodeWebP(ctx context.Context, w io.Writer, img image.Image, p models.WebPParams) error {
	r.effort = append(r.effort, p.Effort)
	return r.baselineBackend.EncodeWebP(ctx, w, img, p)
}

func TestCapability(t *testing.T) {
	assert.Equal(t, acceleratedCompiled, ResolveCapability() == AcceleratedCodec)
	assert.Equal(t, BaselineCodec, ParseCapability("baseline"))
	assert.Equal(t, "baseline", BaselineCodec.String())
	assert.Equal(t, "accelerated", AcceleratedCodec.String())
	if !acceleratedCompiled {
		assert.Equal(t, BaselineCodec, ParseCapability("accelerated"))
	}
}
