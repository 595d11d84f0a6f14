package scanner

import (
	"bytes"
	"encoding/base64"
	"sort"

	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/sniff"
)

// Predicate names recorded in a Profile
const (
	PredScriptOpen     = "script-open"
	PredPolyglotMarker = "polyglot-marker"
	PredExecFunction   = "exec-function"
	PredSuperglobal    = "superglobal"
	PredStreamWrapper  = "stream-wrapper"
	PredArchiveScheme  = "archive-scheme"
	PredFSWrite        = "fs-write"
	PredInclude        = "include"
	PredArchiveSFX     = "archive-sfx"
	PredVarVar         = "varvar"
)

// Predicates lists every predicate name a Profile can record.
var Predicates = []string{
	PredScriptOpen, PredPolyglotMarker, PredExecFunction, PredSuperglobal, PredStreamWrapper,
	PredArchiveScheme, PredFSWrite, PredInclude, PredArchiveSFX, PredVarVar,
}

// maxHitsPerPredicate bounds profile size on adversarial input
const maxHitsPerPredicate = 64

// Hit is one predicate match.
type Hit struct {
	Offset int
	Token  string
}

// Profile is the pre-extracted view of a file that rules evaluate against.
// Raw bytes are walked once; rules only ever look at hits.
type Profile struct {
	Magic models.SniffedType
	// Size of the whole artifact, which may exceed the scanned prefix
	Size    int64
	Scanned int
	Hits    map[string][]Hit
}

// Has reports whether name matched anywhere.
func (p *Profile) Has(name string) bool {
	return len(p.Hits[name]) > 0
}

// HasAfter reports whether name matched at or beyond offset.
func (p *Profile) HasAfter(name string, offset int) bool {
	for _, h := range p.Hits[name] {
		if h.Offset >= offset {
			return true
		}
	}
	return false
}

// Offsets returns the offsets of all hits for name.
func (p *Profile) Offsets(name string) []int {
	hits := p.Hits[name]
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.Offset
	}
	return out
}

func (p *Profile) add(name string, offset int, token string) {
	if len(p.Hits[name]) >= maxHitsPerPredicate {
		return
	}
	p.Hits[name] = append(p.Hits[name], Hit{Offset: offset, Token: token})
}

var (
	textScriptOpen     = []string{"<?php", "<?="}
	textPolyglotMarker = []string{"__halt_compiler", "<%@", "<jsp:", "<script language="}
	execFunctions      = []string{
		"eval", "assert", "system", "exec", "shell_exec", "passthru", "popen",
		"proc_open", "pcntl_exec", "create_function", "call_user_func",
		"call_user_func_array", "preg_replace",
	}
	superglobals   = []string{"$_get", "$_post", "$_request", "$_cookie", "$_files", "$_server", "$_env", "$globals"}
	streamWrappers = []string{
		"php://", "data://", "data:text/", "data:application/", "expect://",
		"phar://", "zip://", "compress.zlib://", "compress.bzip2://", "glob://",
	}
	archiveSchemes  = []string{"phar://", "zip://", "compress.zlib://", "compress.bzip2://", "rar://"}
	fsWrites        = []string{"file_put_contents", "fwrite", "fputs", "move_uploaded_file", "copy", "rename", "fopen", "symlink"}
	includeKeywords = []string{"include_once", "require_once", "include", "require"}
	varVarOpeners   = []string{"${$", "${'", "${\""}
	rawArchiveSFX   = [][]byte{[]byte("PK\x03\x04"), []byte("Rar!\x1a\x07")}
)

// base64ScriptOpen holds the encodings of script openers at each of the
// three byte alignments a base64 stream can place them in.
var base64ScriptOpen = func() []string {
	var out []string
	for _, m := range textScriptOpen {
		out = append(out, base64Variants([]byte(m))...)
	}
	return out
}()

// base64Variants returns the base64 characters that depend only on marker
// when it is preceded by 0, 1 or 2 unrelated bytes.
func base64Variants(marker []byte) []string {
	var out []string
	for shift := 0; shift < 3; shift++ {
		buf := make([]byte, shift+len(marker))
		copy(buf[shift:], marker)
		enc := base64.StdEncoding.EncodeToString(buf)
		start := (8*shift + 5) / 6
		end := 8 * (shift + len(marker)) / 6
		if end-start >= 4 {
			out = append(out, enc[start:end])
		}
	}
	return out
}

// NewProfile extracts predicate hits from data. size is the full artifact
// length when data is a prefix.
func NewProfile(data []byte, size int64) *Profile {
	p := &Profile{
		Magic:   sniff.Detect(data),
		Size:    size,
		Scanned: len(data),
		Hits:    make(map[string][]Hit),
	}
	lower := asciiLower(data)

	for _, m := range textScriptOpen {
		findAll(lower, m, func(off int) { p.add(PredScriptOpen, off, m) })
	}
	// short open tag followed by whitespace
	findAll(lower, "<?", func(off int) {
		if off+2 < len(lower) && isSpace(lower[off+2]) {
			p.add(PredScriptOpen, off, "<?")
		}
	})
	for _, m := range base64ScriptOpen {
		findAll(data, m, func(off int) { p.add(PredScriptOpen, off, "base64:"+m) })
	}

	for _, m := range textPolyglotMarker {
		findAll(lower, m, func(off int) { p.add(PredPolyglotMarker, off, m) })
	}

	for _, fn := range execFunctions {
		findCalls(lower, fn, func(off int) { p.add(PredExecFunction, off, fn) })
	}
	// backtick shell execution
	findAll(lower, "`", func(off int) {
		if end := bytes.IndexByte(lower[off+1:min(len(lower), off+256)], '`'); end > 0 {
			if bytes.Contains(lower[off+1:off+1+end], []byte("$")) {
				p.add(PredExecFunction, off, "`")
			}
		}
	})

	for _, sg := range superglobals {
		findAll(lower, sg, func(off int) {
			if end := off + len(sg); end >= len(lower) || !isIdent(lower[end]) {
				p.add(PredSuperglobal, off, sg)
			}
		})
	}

	for _, w := range streamWrappers {
		findAll(lower, w, func(off int) { p.add(PredStreamWrapper, off, w) })
	}
	for _, w := range archiveSchemes {
		findAll(lower, w, func(off int) { p.add(PredArchiveScheme, off, w) })
	}

	for _, fn := range fsWrites {
		findCalls(lower, fn, func(off int) { p.add(PredFSWrite, off, fn) })
	}

	for _, kw := range includeKeywords {
		findIncludes(lower, kw, func(off int) { p.add(PredInclude, off, kw) })
	}

	findAll(lower, "__halt_compiler", func(off int) { p.add(PredArchiveSFX, off, "__halt_compiler") })
	for _, sig := range rawArchiveSFX {
		findAll(data, string(sig), func(off int) {
			if off > 0 {
				p.add(PredArchiveSFX, off, "archive-signature")
			}
		})
	}

	findAll(lower, "$$", func(off int) {
		if end := off + 2; end < len(lower) && (isIdent(lower[end]) || lower[end] == '{') {
			p.add(PredVarVar, off, "$$")
		}
	})
	for _, m := range varVarOpeners {
		findAll(lower, m, func(off int) { p.add(PredVarVar, off, m) })
	}

	for name := range p.Hits {
		hits := p.Hits[name]
		sort.Slice(hits, func(i, j int) bool { return hits[i].Offset < hits[j].Offset })
	}
	return p
}

// findAll calls fn with the offset of every occurrence of token in b.
func findAll(b []byte, token string, fn func(off int)) {
	t := []byte(token)
	for start := 0; start < len(b); {
		i := bytes.Index(b[start:], t)
		if i < 0 {
			return
		}
		fn(start + i)
		start += i + 1
	}
}

// findCalls matches name as a whole identifier followed by optional
// whitespace and an opening parenthesis.
func findCalls(b []byte, name string, fn func(off int)) {
	findAll(b, name, func(off int) {
		if off > 0 && isIdent(b[off-1]) {
			return
		}
		i := off + len(name)
		for i < len(b) && isSpace(b[i]) {
			i++
		}
		if i < len(b) && b[i] == '(' {
			fn(off)
		}
	})
}

// findIncludes matches include/require statements: the keyword as a whole
// identifier followed by whitespace, a quote, a parenthesis or a variable.
func findIncludes(b []byte, kw string, fn func(off int)) {
	findAll(b, kw, func(off int) {
		if off > 0 && isIdent(b[off-1]) {
			return
		}
		i := off + len(kw)
		if i >= len(b) {
			return
		}
		switch c := b[i]; {
		case c == '(' || c == '\'' || c == '"' || c == '$':
			fn(off)
		case isSpace(c):
			for i < len(b) && isSpace(b[i]) {
				i++
			}
			if i < len(b) && (b[i] == '(' || b[i] == '\'' || b[i] == '"' || b[i] == '$') {
				fn(off)
			}
		}
	})
}

func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func isIdent(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
