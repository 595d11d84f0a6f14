package models

import "github.com/opencontainers/go-digest"

// CanonicalOutput is one re-encoded file written by the conversion pipeline.
type CanonicalOutput struct {
	Format      OutputFormat  `json:"format"`
	Path        string        `json:"path"`
	Filename    string        `json:"filename"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	SizeBytes   int64         `json:"size_bytes"`
	Hash        digest.Digest `json:"hash"`
	Progressive bool          `json:"progressive,omitempty"`
	Frames      int           `json:"frames,omitempty"`
}

// CanonicalOutputs is the complete set of outputs of a conversion.
// It is only ever returned whole; partial output sets are discarded.
type CanonicalOutputs struct {
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Backend string            `json:"backend"`
	Outputs []CanonicalOutput `json:"outputs"`
}

// Primary returns the first output, which callers treat as the canonical file.
func (c *CanonicalOutputs) Primary() *CanonicalOutput {
	if c == nil || len(c.Outputs) == 0 {
		return nil
	}
	return &c.Outputs[0]
}

// UploadResult is the success payload handed back to callers.
type UploadResult struct {
	JobID        string            `json:"job_id"`
	Filename     string            `json:"filename"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	SizeBytes    int64             `json:"size_bytes"`
	ContentHash  digest.Digest     `json:"content_hash"`
	Outputs      []CanonicalOutput `json:"outputs"`
	OriginalPath string            `json:"original_path,omitempty"`
}
