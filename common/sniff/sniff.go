// Package sniff identifies image types from leading magic bytes only.
package sniff

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/lyzr/imageintake/common/models"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	gif87     = []byte("GIF87a")
	gif89     = []byte("GIF89a")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
	ftypBox   = []byte("ftyp")
	icoMagic  = []byte{0x00, 0x00, 0x01, 0x00}
)

var avifBrands = map[string]bool{"avif": true, "avis": true, "avic": true}

// Detect returns the type whose signature matches b at its fixed offset.
// It never decodes and never errors; unrecognized input yields TypeUnknown.
func Detect(b []byte) models.SniffedType {
	switch {
	case bytes.HasPrefix(b, jpegMagic):
		return models.TypeJPEG
	case bytes.HasPrefix(b, pngMagic):
		return models.TypePNG
	case bytes.HasPrefix(b, gif87), bytes.HasPrefix(b, gif89):
		return models.TypeGIF
	case isWebP(b):
		return models.TypeWebP
	case isAVIF(b):
		return models.TypeAVIF
	case isICO(b):
		return models.TypeICO
	}
	return models.TypeUnknown
}

func isWebP(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], riffMagic) && bytes.Equal(b[8:12], webpMagic)
}

// isAVIF checks the ISO-BMFF ftyp box at offset 4: major brand first,
// then the compatible brand list bounded by the declared box size.
func isAVIF(b []byte) bool {
	if len(b) < 12 || !bytes.Equal(b[4:8], ftypBox) {
		return false
	}
	if avifBrands[string(b[8:12])] {
		return true
	}
	size := int(binary.BigEndian.Uint32(b[0:4]))
	if size < 16 || size > len(b) {
		size = len(b)
	}
	// major brand (4) + minor version (4), then 4-byte compatible brands
	for off := 16; off+4 <= size; off += 4 {
		if avifBrands[string(b[off:off+4])] {
			return true
		}
	}
	return false
}

func isICO(b []byte) bool {
	if len(b) < 6 || !bytes.Equal(b[0:4], icoMagic) {
		return false
	}
	count := binary.LittleEndian.Uint16(b[4:6])
	return count > 0
}

var mimeByType = map[models.SniffedType]string{
	models.TypeJPEG: "image/jpeg",
	models.TypePNG:  "image/png",
	models.TypeGIF:  "image/gif",
	models.TypeWebP: "image/webp",
	models.TypeAVIF: "image/avif",
	models.TypeICO:  "image/x-icon",
}

// MIME returns the canonical MIME type for t, or "" for TypeUnknown.
func MIME(t models.SniffedType) string {
	return mimeByType[t]
}

var extByType = map[models.SniffedType]string{
	models.TypeJPEG: ".jpg",
	models.TypePNG:  ".png",
	models.TypeGIF:  ".gif",
	models.TypeWebP: ".webp",
	models.TypeAVIF: ".avif",
	models.TypeICO:  ".ico",
}

// Extension returns the conventional file extension for t, or "".
func Extension(t models.SniffedType) string {
	return extByType[t]
}

// mimeAliases folds common non-canonical spellings onto the canonical type
var mimeAliases = map[string]string{
	"image/jpg":                "image/jpeg",
	"image/pjpeg":              "image/jpeg",
	"image/vnd.microsoft.icon": "image/x-icon",
	"image/ico":                "image/x-icon",
	"image/x-png":              "image/png",
}

// NormalizeMIME lowercases, strips parameters and folds aliases.
func NormalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if canonical, ok := mimeAliases[mime]; ok {
		return canonical
	}
	return mime
}

// TypeForMIME maps a declared MIME type to the type it claims to be.
func TypeForMIME(mime string) models.SniffedType {
	mime = NormalizeMIME(mime)
	for t, m := range mimeByType {
		if m == mime {
			return t
		}
	}
	return models.TypeUnknown
}
