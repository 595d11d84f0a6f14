//go:build libwebp

package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"github.com/lyzr/imageintake/common/models"
)

// acceleratedCompiled is true when linked against the system libwebp
const acceleratedCompiled = true

// acceleratedBackend encodes WebP through the system libwebp with the
// configured effort, and rewrites JPEG as progressive with jpegtran when
// the tool is on PATH.
type acceleratedBackend struct {
	baselineBackend
	jpegtran string
}

func newAcceleratedBackend() Backend {
	b := &acceleratedBackend{}
	if path, err := exec.LookPath("jpegtran"); err == nil {
		b.jpegtran = path
	}
	return b
}

func (b *acceleratedBackend) Name() string { return AcceleratedCodec.String() }

func (b *acceleratedBackend) EncodeJPEG(ctx context.Context, w io.Writer, img image.Image, p models.JPEGParams, progressive bool) (bool, error) {
	if !progressive || b.jpegtran == "" {
		return b.baselineBackend.EncodeJPEG(ctx, w, img, p, false)
	}

	var baseline bytes.Buffer
	if err := jpeg.Encode(&baseline, img, &jpeg.Options{Quality: p.Quality}); err != nil {
		return false, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.jpegtran, "-copy", "none", "-optimize", "-progressive")
	cmd.Stdin = &baseline
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("jpegtran: %w: %s", err, stderr.String())
	}
	return true, nil
}

func (b *acceleratedBackend) EncodeWebP(_ context.Context, w io.Writer, img image.Image, p models.WebPParams) error {
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, p.Quality)
	if err != nil {
		return fmt.Errorf("webp encoder options: %w", err)
	}
	options.Method = p.Effort
	return webp.Encode(w, img, options)
}
