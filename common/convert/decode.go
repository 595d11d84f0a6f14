package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/sniff"
	"github.com/mat/besticon/v3/ico"
	"golang.org/x/image/webp"
)

// source is a decoded upload
type source struct {
	typ   models.SniffedType
	still image.Image
	// anim is set for GIF sources
	anim   *gif.GIF
	frames int
}

func (s *source) animated() bool {
	return s.anim != nil && len(s.anim.Image) > 1
}

func decodeSource(data []byte, snap models.PipelineSnapshot) (*source, error) {
	typ := sniff.Detect(data)
	src := &source{typ: typ, frames: 1}

	var (
		img image.Image
		err error
	)
	switch typ {
	case models.TypeJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case models.TypePNG:
		img, err = png.Decode(bytes.NewReader(data))
	case models.TypeWebP:
		img, err = webp.Decode(bytes.NewReader(data))
	case models.TypeICO:
		img, err = ico.Decode(bytes.NewReader(data))
	case models.TypeGIF:
		return decodeGIF(data, snap.GIF.MaxFrames)
	case models.TypeAVIF:
		return nil, errs.New(errs.KindConversionFault, errs.CodeUnsupportedSource,
			"this image format cannot be converted", "source_type", typ.String())
	default:
		return nil, errs.New(errs.KindConversionFault, errs.CodeUnsupportedSource,
			"source is not a recognized image")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeCodec, err,
			"image data could not be decoded", "source_type", typ.String())
	}

	img, err = normalizeColor(img)
	if err != nil {
		return nil, err
	}
	src.still = img
	return src, nil
}

func decodeGIF(data []byte, maxFrames int) (*source, error) {
	n, err := countGIFFrames(data, maxFrames)
	if errors.Is(err, errFrameLimit) {
		return nil, errs.New(errs.KindConversionFault, errs.CodeFrameLimit,
			"animation has too many frames", "max_frames", maxFrames)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeFrameCorrupt, err,
			"animation frame data is corrupt")
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.KindConversionFault, errs.CodeFrameCorrupt, err,
			"animation frame data is corrupt")
	}
	if len(g.Image) == 0 || len(g.Image) != n {
		return nil, errs.New(errs.KindConversionFault, errs.CodeFrameCorrupt,
			"animation frame data is corrupt", "frames", len(g.Image))
	}
	if g.Config.Width == 0 || g.Config.Height == 0 {
		b := g.Image[0].Bounds()
		g.Config.Width, g.Config.Height = b.Max.X, b.Max.Y
	}

	first, err := firstFrame(g)
	if err != nil {
		return nil, err
	}
	return &source{typ: models.TypeGIF, still: first, anim: g, frames: len(g.Image)}, nil
}

// firstFrame composites frame zero onto the logical screen.
func firstFrame(g *gif.GIF) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Wrap(errs.KindConversionFault, errs.CodeFrameCorrupt, fmt.Errorf("panic: %v", r),
				"animation frame data is corrupt")
		}
	}()
	canvas := image.NewNRGBA(image.Rect(0, 0, g.Config.Width, g.Config.Height))
	draw.Draw(canvas, g.Image[0].Bounds(), g.Image[0], g.Image[0].Bounds().Min, draw.Over)
	return canvas, nil
}

// normalizeColor converts CMYK (and any other non-RGB model) to NRGBA so
// every encoder sees standard RGB data.
func normalizeColor(img image.Image) (out image.Image, err error) {
	if _, ok := img.(*image.CMYK); !ok && img.ColorModel() != color.CMYKModel {
		return img, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errs.Wrap(errs.KindConversionFault, errs.CodeColorSpace, fmt.Errorf("panic: %v", r),
				"image colors could not be converted to RGB")
		}
	}()
	b := img.Bounds()
	if b.Empty() {
		return nil, errs.New(errs.KindConversionFault, errs.CodeColorSpace,
			"image colors could not be converted to RGB", "reason", "empty bounds")
	}
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst, nil
}
