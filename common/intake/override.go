package intake

import (
	"bytes"
	"encoding/json"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
)

// ApplyOverride merges a caller's RFC 7386 patch into a copy of base and
// validates the result. Overrides may tighten the output ceilings and the
// PNG metadata strip policy but never loosen either below base.
func ApplyOverride(base models.PipelineSnapshot, patch json.RawMessage) (models.PipelineSnapshot, error) {
	if len(bytes.TrimSpace(patch)) == 0 || bytes.Equal(bytes.TrimSpace(patch), []byte("null")) {
		return base.Clone(), nil
	}

	doc, err := json.Marshal(base)
	if err != nil {
		return models.PipelineSnapshot{}, errs.Wrap(errs.KindMalformedInput, errs.CodeInvalidOverride, err, "conversion settings could not be read")
	}
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return models.PipelineSnapshot{}, errs.Wrap(errs.KindMalformedInput, errs.CodeInvalidOverride, err, "conversion settings override is not valid JSON")
	}

	var out models.PipelineSnapshot
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return models.PipelineSnapshot{}, errs.Wrap(errs.KindMalformedInput, errs.CodeInvalidOverride, err, "conversion settings override has unknown or mistyped fields")
	}

	if out.MaxOutputBytes > base.MaxOutputBytes {
		return models.PipelineSnapshot{}, errs.New(errs.KindMalformedInput, errs.CodeInvalidOverride,
			"output size ceiling cannot be raised", "max_output_bytes", base.MaxOutputBytes)
	}
	if out.MaxOutputEdge > base.MaxOutputEdge {
		return models.PipelineSnapshot{}, errs.New(errs.KindMalformedInput, errs.CodeInvalidOverride,
			"output edge ceiling cannot be raised", "max_output_edge", base.MaxOutputEdge)
	}
	if out.GIF.MaxFrames > base.GIF.MaxFrames {
		return models.PipelineSnapshot{}, errs.New(errs.KindMalformedInput, errs.CodeInvalidOverride,
			"frame ceiling cannot be raised", "max_frames", base.GIF.MaxFrames)
	}
	if !stripsAtLeast(out.PNG, base.PNG) {
		return models.PipelineSnapshot{}, errs.New(errs.KindMalformedInput, errs.CodeInvalidOverride,
			"png metadata stripping cannot be relaxed", "strip_policy", base.PNG.StripPolicy)
	}
	if err := out.Validate(); err != nil {
		return models.PipelineSnapshot{}, errs.Wrap(errs.KindMalformedInput, errs.CodeInvalidOverride, err, err.Error())
	}
	return out.Clone(), nil
}

var stripRank = map[string]int{models.StripNone: 0, models.StripSelected: 1, models.StripAll: 2}

// stripsAtLeast reports whether got removes every chunk base removes.
func stripsAtLeast(got, base models.PNGParams) bool {
	g, b := strings.ToLower(got.StripPolicy), strings.ToLower(base.StripPolicy)
	gr, ok := stripRank[g]
	if !ok {
		// unknown policies are rejected by Validate
		return true
	}
	if gr != stripRank[b] || g != models.StripSelected {
		return gr >= stripRank[b]
	}
	kept := make(map[string]bool, len(got.StripChunks))
	for _, c := range got.StripChunks {
		kept[c] = true
	}
	for _, c := range base.StripChunks {
		if !kept[c] {
			return false
		}
	}
	return true
}
