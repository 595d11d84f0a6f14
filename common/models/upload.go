package models

import "strings"

// SniffedType is the file type derived purely from leading bytes.
type SniffedType int

const (
	TypeUnknown SniffedType = iota
	TypeJPEG
	TypePNG
	TypeGIF
	TypeWebP
	TypeAVIF
	TypeICO
)

var sniffedNames = map[SniffedType]string{
	TypeUnknown: "unknown",
	TypeJPEG:    "jpeg",
	TypePNG:     "png",
	TypeGIF:     "gif",
	TypeWebP:    "webp",
	TypeAVIF:    "avif",
	TypeICO:     "ico",
}

func (t SniffedType) String() string {
	if name, ok := sniffedNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseSniffedType maps a type name back to its SniffedType.
func ParseSniffedType(name string) SniffedType {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range sniffedNames {
		if n == name {
			return t
		}
	}
	return TypeUnknown
}

// MarshalText implements encoding.TextMarshaler so job snapshots stay readable.
func (t SniffedType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SniffedType) UnmarshalText(b []byte) error {
	*t = ParseSniffedType(string(b))
	return nil
}

// UploadCandidate is an inbound, untrusted upload.
// DeclaredMIME and Filename come from the client and are never trusted.
type UploadCandidate struct {
	Data         []byte
	Filename     string
	DeclaredMIME string
	SizeBytes    int64
}

// NewUploadCandidate builds a candidate from raw request parts.
func NewUploadCandidate(data []byte, filename, declaredMIME string) *UploadCandidate {
	return &UploadCandidate{
		Data:         data,
		Filename:     filename,
		DeclaredMIME: declaredMIME,
		SizeBytes:    int64(len(data)),
	}
}
