package validation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
)

var errNoSpatialExtent = errors.New("avif: no ispe property found")

// avifConfig walks ftyp/meta/iprp/ipco and reports the largest ispe
// (image spatial extent) property. Taking the largest extent keeps the
// bomb check conservative when a file carries several items.
func avifConfig(r io.Reader) (image.Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}

	meta, ok, err := findBox(buf, "meta")
	if err != nil {
		return image.Config{}, err
	}
	if !ok || len(meta) < 4 {
		return image.Config{}, errNoSpatialExtent
	}
	// meta is a full box: skip version and flags
	iprp, ok, err := findBox(meta[4:], "iprp")
	if err != nil || !ok {
		return image.Config{}, errors.Join(errNoSpatialExtent, err)
	}
	ipco, ok, err := findBox(iprp, "ipco")
	if err != nil || !ok {
		return image.Config{}, errors.Join(errNoSpatialExtent, err)
	}

	var best image.Config
	err = walkBoxes(ipco, func(typ string, body []byte) bool {
		if typ != "ispe" || len(body) < 12 {
			return true
		}
		w := binary.BigEndian.Uint32(body[4:8])
		h := binary.BigEndian.Uint32(body[8:12])
		if w > math32 || h > math32 {
			w, h = math32, math32
		}
		if int64(w)*int64(h) > int64(best.Width)*int64(best.Height) {
			best = image.Config{Width: int(w), Height: int(h)}
		}
		return true
	})
	if err != nil {
		return image.Config{}, err
	}
	if best.Width == 0 || best.Height == 0 {
		return image.Config{}, errNoSpatialExtent
	}
	return best, nil
}

// math32 clamps declared extents so they fit an int on every platform
const math32 = 1<<31 - 1

func findBox(buf []byte, want string) ([]byte, bool, error) {
	var found []byte
	err := walkBoxes(buf, func(typ string, body []byte) bool {
		if typ == want {
			found = body
			return false
		}
		return true
	})
	return found, found != nil, err
}

// walkBoxes iterates sibling ISO-BMFF boxes, calling fn with each type and
// body until fn returns false.
func walkBoxes(buf []byte, fn func(typ string, body []byte) bool) error {
	for off := 0; off+8 <= len(buf); {
		size := uint64(binary.BigEndian.Uint32(buf[off : off+4]))
		typ := string(buf[off+4 : off+8])
		hdr := uint64(8)
		switch size {
		case 0:
			size = uint64(len(buf) - off)
		case 1:
			if off+16 > len(buf) {
				return fmt.Errorf("avif: truncated largesize box %q", typ)
			}
			size = binary.BigEndian.Uint64(buf[off+8 : off+16])
			hdr = 16
		}
		if size < hdr || size > uint64(len(buf)-off) {
			return fmt.Errorf("avif: box %q declares invalid size %d", typ, size)
		}
		if !fn(typ, buf[off+int(hdr):off+int(size)]) {
			return nil
		}
		off += int(size)
	}
	return nil
}
