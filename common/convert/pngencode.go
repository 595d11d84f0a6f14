package convert

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lyzr/imageintake/common/models"
)

// PNG scanline filter types
const (
	filterNone byte = iota
	filterSub
	filterUp
	filterAverage
	filterPaeth
)

var pngFilterTypes = map[string]byte{
	"none":    filterNone,
	"sub":     filterSub,
	"up":      filterUp,
	"average": filterAverage,
	"paeth":   filterPaeth,
}

// encodePNG writes img as 8-bit truecolor (RGBA when any pixel is not
// opaque) using the configured scanline filter and deflate settings.
// image/png picks both on its own and exposes neither.
func encodePNG(w io.Writer, img image.Image, p models.PNGParams) error {
	level, err := zlibLevel(p)
	if err != nil {
		return err
	}
	filter := strings.ToLower(p.Filter)
	fixed, ok := pngFilterTypes[filter]
	if !ok && filter != "adaptive" {
		return fmt.Errorf("png: unknown filter %q", p.Filter)
	}

	src := imaging.Clone(img)
	width, height := src.Rect.Dx(), src.Rect.Dy()
	if width <= 0 || height <= 0 {
		return errors.New("png: empty image")
	}
	bpp, colorType := 4, byte(6)
	if src.Opaque() {
		bpp, colorType = 3, 2
	}

	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, level)
	if err != nil {
		return fmt.Errorf("png: %w", err)
	}

	rowLen := width * bpp
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	var candidates [5][]byte
	for i := range candidates {
		candidates[i] = make([]byte, rowLen)
	}

	for y := 0; y < height; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+width*4]
		if bpp == 4 {
			copy(cur, row)
		} else {
			for x := 0; x < width; x++ {
				copy(cur[x*3:x*3+3], row[x*4:x*4+3])
			}
		}

		ft := fixed
		if !ok {
			ft = chooseFilter(candidates[:], cur, prev, bpp)
		} else {
			filterRow(candidates[ft], ft, cur, prev, bpp)
		}
		if _, err := zw.Write([]byte{ft}); err != nil {
			return fmt.Errorf("png: %w", err)
		}
		if _, err := zw.Write(candidates[ft]); err != nil {
			return fmt.Errorf("png: %w", err)
		}
		prev, cur = cur, prev
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("png: %w", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = 8
	ihdr[9] = colorType

	var out bytes.Buffer
	out.Write(pngSignature)
	writePNGChunk(&out, pngChunk{typ: "IHDR", data: ihdr})
	writePNGChunk(&out, pngChunk{typ: "IDAT", data: idat.Bytes()})
	writePNGChunk(&out, pngChunk{typ: "IEND"})
	_, err = out.WriteTo(w)
	return err
}

// zlibLevel maps compression level and strategy onto compress/zlib.
// Only the huffman strategy has a deflate counterpart in Go.
func zlibLevel(p models.PNGParams) (int, error) {
	switch strings.ToLower(p.Strategy) {
	case "huffman":
		return zlib.HuffmanOnly, nil
	case "default", "":
	default:
		return 0, fmt.Errorf("png: unsupported strategy %q", p.Strategy)
	}
	switch strings.ToLower(p.CompressionLevel) {
	case "none":
		return zlib.NoCompression, nil
	case "speed":
		return zlib.BestSpeed, nil
	case "best":
		return zlib.BestCompression, nil
	default:
		return zlib.DefaultCompression, nil
	}
}

// chooseFilter filters cur with every type and returns the one with the
// smallest sum of absolute signed residuals.
func chooseFilter(dst [][]byte, cur, prev []byte, bpp int) byte {
	best, bestSum := filterNone, -1
	for ft := filterNone; ft <= filterPaeth; ft++ {
		filterRow(dst[ft], ft, cur, prev, bpp)
		sum := 0
		for _, v := range dst[ft] {
			if s := int(int8(v)); s < 0 {
				sum -= s
			} else {
				sum += s
			}
		}
		if bestSum < 0 || sum < bestSum {
			best, bestSum = ft, sum
		}
	}
	return best
}

func filterRow(dst []byte, ft byte, cur, prev []byte, bpp int) {
	for i := range cur {
		var a, c byte
		if i >= bpp {
			a, c = cur[i-bpp], prev[i-bpp]
		}
		b := prev[i]
		switch ft {
		case filterSub:
			dst[i] = cur[i] - a
		case filterUp:
			dst[i] = cur[i] - b
		case filterAverage:
			dst[i] = cur[i] - byte((int(a)+int(b))/2)
		case filterPaeth:
			dst[i] = cur[i] - paeth(a, b, c)
		default:
			dst[i] = cur[i]
		}
	}
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
