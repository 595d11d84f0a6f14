package convert

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"

	"github.com/lyzr/imageintake/common/models"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// metadataChunks are ancillary chunks that may be carried over from the
// source. Chunks describing pixel layout (tRNS, bKGD, sBIT, hIST, sPLT)
// and animation (acTL, fcTL, fdAT) are never copied because the encoder
// regenerates the pixel data.
var metadataChunks = map[string]bool{
	"iCCP": true, "sRGB": true, "gAMA": true, "cHRM": true, "pHYs": true,
	"tEXt": true, "zTXt": true, "iTXt": true, "tIME": true, "eXIf": true,
}

type pngChunk struct {
	typ  string
	data []byte
}

// applyPNGStripPolicy copies metadata chunks from the source PNG into the
// freshly encoded one according to the strip policy. Encoded output starts
// with no ancillary chunks, so StripAll is a no-op.
func applyPNGStripPolicy(encoded, source []byte, p models.PNGParams) ([]byte, error) {
	policy := strings.ToLower(p.StripPolicy)
	if policy == models.StripAll || !bytes.HasPrefix(source, pngSignature) {
		return encoded, nil
	}

	strip := map[string]bool{}
	if policy == models.StripSelected {
		for _, c := range p.StripChunks {
			strip[c] = true
		}
	}

	srcChunks, err := readPNGChunks(source)
	if err != nil {
		// metadata from a malformed source is simply dropped
		return encoded, nil
	}
	var keep []pngChunk
	for _, c := range srcChunks {
		if metadataChunks[c.typ] && !strip[c.typ] {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		return encoded, nil
	}

	outChunks, err := readPNGChunks(encoded)
	if err != nil || len(outChunks) == 0 || outChunks[0].typ != "IHDR" {
		return nil, errors.New("png: encoder produced an unexpected chunk layout")
	}

	var buf bytes.Buffer
	buf.Write(pngSignature)
	writePNGChunk(&buf, outChunks[0])
	for _, c := range keep {
		writePNGChunk(&buf, c)
	}
	for _, c := range outChunks[1:] {
		writePNGChunk(&buf, c)
	}
	return buf.Bytes(), nil
}

func readPNGChunks(b []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(b, pngSignature) {
		return nil, errors.New("png: bad signature")
	}
	var out []pngChunk
	for pos := len(pngSignature); pos < len(b); {
		if pos+12 > len(b) {
			return nil, errors.New("png: truncated chunk")
		}
		n := int(binary.BigEndian.Uint32(b[pos : pos+4]))
		if n < 0 || pos+12+n > len(b) {
			return nil, errors.New("png: chunk length out of range")
		}
		typ := string(b[pos+4 : pos+8])
		data := b[pos+8 : pos+8+n]
		want := binary.BigEndian.Uint32(b[pos+8+n : pos+12+n])
		if crc32.ChecksumIEEE(b[pos+4:pos+8+n]) != want {
			return nil, errors.New("png: chunk checksum mismatch")
		}
		out = append(out, pngChunk{typ: typ, data: data})
		pos += 12 + n
		if typ == "IEND" {
			break
		}
	}
	return out, nil
}

func writePNGChunk(buf *bytes.Buffer, c pngChunk) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(c.data)))
	copy(hdr[4:8], c.typ)
	buf.Write(hdr[:])
	buf.Write(c.data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:8])
	crc.Write(c.data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}
