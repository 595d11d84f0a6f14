package convert

import (
	"errors"
	"fmt"
)

var errFrameLimit = errors.New("gif frame limit exceeded")

// countGIFFrames walks GIF block structure without decompressing any image
// data. It stops as soon as more than max frames are seen, so a file
// declaring thousands of frames costs no more than max+1 descriptors.
func countGIFFrames(b []byte, max int) (int, error) {
	if len(b) < 13 {
		return 0, errors.New("gif: truncated header")
	}
	pos := 13
	if flags := b[10]; flags&0x80 != 0 {
		pos += 3 << ((flags & 0x07) + 1)
	}

	frames := 0
	for {
		if pos >= len(b) {
			return frames, errors.New("gif: missing trailer")
		}
		switch b[pos] {
		case 0x3B: // trailer
			return frames, nil
		case 0x21: // extension
			if pos+2 > len(b) {
				return frames, errors.New("gif: truncated extension")
			}
			next, err := skipSubBlocks(b, pos+2)
			if err != nil {
				return frames, err
			}
			pos = next
		case 0x2C: // image descriptor
			frames++
			if max > 0 && frames > max {
				return frames, errFrameLimit
			}
			if pos+10 > len(b) {
				return frames, errors.New("gif: truncated image descriptor")
			}
			flags := b[pos+9]
			pos += 10
			if flags&0x80 != 0 {
				pos += 3 << ((flags & 0x07) + 1)
			}
			// LZW minimum code size
			pos++
			next, err := skipSubBlocks(b, pos)
			if err != nil {
				return frames, err
			}
			pos = next
		default:
			return frames, fmt.Errorf("gif: unknown block 0x%02x at %d", b[pos], pos)
		}
	}
}

// skipSubBlocks returns the offset just past a data sub-block chain.
func skipSubBlocks(b []byte, pos int) (int, error) {
	for {
		if pos >= len(b) {
			return pos, errors.New("gif: truncated data sub-blocks")
		}
		n := int(b[pos])
		pos++
		if n == 0 {
			return pos, nil
		}
		pos += n
	}
}
