package convert

import (
	"context"
	"image"
	"image/jpeg"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/lyzr/imageintake/common/models"
)

// Capability names the codec backend selected at startup.
type Capability int

const (
	BaselineCodec Capability = iota
	AcceleratedCodec
)

func (c Capability) String() string {
	if c == AcceleratedCodec {
		return "accelerated"
	}
	return "baseline"
}

// ParseCapability maps a configured name to a Capability. "auto" and ""
// resolve against what this binary and host support.
func ParseCapability(name string) Capability {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "baseline":
		return BaselineCodec
	case "accelerated":
		if acceleratedCompiled {
			return AcceleratedCodec
		}
		return BaselineCodec
	default:
		return ResolveCapability()
	}
}

// ResolveCapability reports the best backend available. It is meant to be
// called once at startup and the result injected into NewPipeline.
func ResolveCapability() Capability {
	if acceleratedCompiled {
		return AcceleratedCodec
	}
	return BaselineCodec
}

// Backend encodes decoded images. Both implementations produce the same
// formats; only speed and a few tuning knobs differ.
type Backend interface {
	Name() string
	// EncodeJPEG reports whether progressive encoding was applied
	EncodeJPEG(ctx context.Context, w io.Writer, img image.Image, p models.JPEGParams, progressive bool) (bool, error)
	EncodeWebP(ctx context.Context, w io.Writer, img image.Image, p models.WebPParams) error
	EncodePNG(ctx context.Context, w io.Writer, img image.Image, p models.PNGParams) error
}

func newBackend(c Capability) Backend {
	if c == AcceleratedCodec && acceleratedCompiled {
		return newAcceleratedBackend()
	}
	return baselineBackend{}
}

// baselineBackend uses the standard JPEG encoder, the bundled libwebp and
// the package PNG encoder. It cannot produce progressive JPEG, and the
// bundled libwebp has no effort setting.
type baselineBackend struct{}

func (baselineBackend) Name() string { return BaselineCodec.String() }

func (baselineBackend) EncodeJPEG(_ context.Context, w io.Writer, img image.Image, p models.JPEGParams, _ bool) (bool, error) {
	return false, jpeg.Encode(w, img, &jpeg.Options{Quality: p.Quality})
}

func (baselineBackend) EncodeWebP(_ context.Context, w io.Writer, img image.Image, p models.WebPParams) error {
	return webp.Encode(w, img, &webp.Options{Lossless: false, Quality: p.Quality})
}

func (baselineBackend) EncodePNG(_ context.Context, w io.Writer, img image.Image, p models.PNGParams) error {
	return encodePNG(w, img, p)
}
