package scanner

import (
	"bytes"
	"context"
	_ "crypto/sha256"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lyzr/imageintake/common/models"
	"github.com/lyzr/imageintake/common/quarantine"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bytesSource struct {
	data  []byte
	err   error
	delay time.Duration
	panic bool
}

func (b *bytesSource) ReadLimited(_ *models.QuarantineArtifact, limit int64) ([]byte, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.panic {
		panic("decoder exploded")
	}
	if b.err != nil {
		return nil, b.err
	}
	if limit >= 0 && int64(len(b.data)) > limit {
		return b.data[:limit], nil
	}
	return b.data, nil
}

type mapCache struct {
	mu sync.Mutex
	m  map[digest.Digest]models.ScanVerdict
}

func (c *mapCache) Get(h digest.Digest) (models.ScanVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[h]
	return v, ok
}

func (c *mapCache) Add(v models.ScanVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[v.Hash] = v
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 16, 16))))
	return buf.Bytes()
}

// withPayload places payload at offset, zero-padding the gap after head.
func withPayload(head []byte, payload string, offset int) []byte {
	out := append([]byte(nil), head...)
	if len(out) < offset {
		out = append(out, make([]byte, offset-len(out))...)
	}
	return append(out, payload...)
}

func artifactFor(data []byte) *models.QuarantineArtifact {
	return &models.QuarantineArtifact{Hash: digest.FromBytes(data), SizeBytes: int64(len(data))}
}

func scanBytes(t *testing.T, s *Scanner, data []byte) models.ScanVerdict {
	t.Helper()
	return s.Scan(context.Background(), &bytesSource{data: data}, artifactFor(data))
}

func newScanner(t *testing.T, opts Options) *Scanner {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestScanBlocksPNGWithEmbeddedWebshell(t *testing.T) {
	s := newScanner(t, DefaultOptions())
	data := withPayload(pngImage(t), "<?php system($_GET['cmd']); ?>", 600)

	v := scanBytes(t, s, data)
	assert.Equal(t, models.VerdictBlocked, v.Kind)
	assert.Equal(t, RuleExecSuperglobal, v.RuleID)
	assert.Equal(t, models.ConfidenceHigh, v.Confidence)
	assert.False(t, v.Clean())
}

func TestScanRequiresAllThreeConditions(t *testing.T) {
	s := newScanner(t, DefaultOptions())
	gifHead := []byte("GIF89a\x10\x00\x10\x00\x00\x00\x00")

	cases := []struct {
		name string
		data []byte
	}{
		{"plain image", pngImage(t)},
		{"script without image magic", withPayload([]byte("hello"), "<?php system($_GET['c']); ?>", 100)},
		{"image and opener but no risky combination", withPayload(gifHead, "<?php echo 'hi'; ?>", 100)},
		{"exec without request input", withPayload(gifHead, "<?php system('uptime'); ?>", 100)},
		{"opener inside the header window", append(append([]byte(nil), gifHead...), "<?php system($_GET['c']);"...)},
		{"combination without any opener", withPayload(gifHead, "system($_GET['c'])", 100)},
		{"identifier suffix is not a call", withPayload(gifHead, "<?php mysystem ($_GET['c']); ?>", 100)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := scanBytes(t, s, tc.data)
			assert.Equal(t, models.VerdictClean, v.Kind, "rule %s", v.RuleID)
		})
	}
}

func TestScanSizeEnvelope(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSize = 256
	s := newScanner(t, opts)

	data := withPayload([]byte("GIF89a"), "<?php system($_GET['c']); ?>", 512)
	assert.Equal(t, models.VerdictClean, scanBytes(t, s, data).Kind)
}

func TestBuiltinRules(t *testing.T) {
	s := newScanner(t, DefaultOptions())
	head := []byte("GIF89a\x01\x00\x01\x00")

	cases := []struct {
		payload string
		rule    string
	}{
		{"<?php system($_GET['cmd']); ?>", RuleExecSuperglobal},
		{"<?= passthru ($_REQUEST['x']) ?>", RuleExecSuperglobal},
		{"<?php eval(file_get_contents('php://input')); ?>", RuleExecWrapper},
		{"<?php file_put_contents('s.php', 'x'); shell_exec('id'); ?>", RuleExecFSWrite},
		{"<?php include 'phar://avatar.jpg/shell'; ?>", RuleIncludeWrapper},
		{"<?php require_once('zip://up.gif#a'); ?>", RuleIncludeWrapper},
		{"<?php require 'x'; __halt_compiler(); PK", RuleArchiveInclude},
		{"<?php $$k = $_COOKIE['v']; ?>", RuleVarVarSuperglobal},
		{"<% @page %><%@ page import=\"x\" %> eval($_POST['a'])", RuleExecSuperglobal},
	}
	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			v := scanBytes(t, s, withPayload(head, tc.payload, 64))
			assert.Equal(t, models.VerdictBlocked, v.Kind)
			assert.Equal(t, tc.rule, v.RuleID)
		})
	}
}

func TestScanDetectsBase64ScriptOpener(t *testing.T) {
	s := newScanner(t, DefaultOptions())
	for shift := 0; shift < 3; shift++ {
		encoded := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", shift) + "<?php phpinfo();"))
		payload := "eval(base64_decode('" + encoded + "')); $_POST;"
		v := scanBytes(t, s, withPayload([]byte("GIF89a"), payload, 128))
		assert.Equal(t, models.VerdictBlocked, v.Kind, "shift %d", shift)
	}
}

func TestBase64VariantsAlignment(t *testing.T) {
	variants := base64Variants([]byte("<?php"))
	require.Len(t, variants, 3)
	for shift := 0; shift < 3; shift++ {
		enc := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("Z", shift) + "<?php and more"))
		assert.Contains(t, enc, variants[shift])
	}
}

func TestProfileOffsets(t *testing.T) {
	data := withPayload([]byte("GIF89a"), "<?php eval($_GET[1]);", 700)
	p := NewProfile(data, int64(len(data)))

	assert.Equal(t, models.TypeGIF, p.Magic)
	assert.True(t, p.HasAfter(PredScriptOpen, 512))
	assert.False(t, p.HasAfter(PredScriptOpen, 701))
	assert.Equal(t, []int{706}, p.Offsets(PredExecFunction))
	assert.True(t, p.Has(PredSuperglobal))
	assert.False(t, p.Has(PredFSWrite))
}

func TestScanFailsClosed(t *testing.T) {
	data := withPayload([]byte("GIF89a"), "harmless", 64)

	t.Run("read failure", func(t *testing.T) {
		s := newScanner(t, DefaultOptions())
		v := s.Scan(context.Background(), &bytesSource{err: errors.New("io error")}, artifactFor(data))
		assert.Equal(t, models.VerdictUnavailable, v.Kind)
		assert.False(t, v.Clean())
	})

	t.Run("timeout", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Timeout = 20 * time.Millisecond
		s := newScanner(t, opts)
		v := s.Scan(context.Background(), &bytesSource{data: data, delay: 300 * time.Millisecond}, artifactFor(data))
		assert.Equal(t, models.VerdictUnavailable, v.Kind)
	})

	t.Run("panic", func(t *testing.T) {
		s := newScanner(t, DefaultOptions())
		v := s.Scan(context.Background(), &bytesSource{panic: true}, artifactFor(data))
		assert.Equal(t, models.VerdictUnavailable, v.Kind)
	})

	t.Run("disabled", func(t *testing.T) {
		s := Disabled(errors.New("rule pack missing"), nil)
		v := scanBytes(t, s, data)
		assert.Equal(t, models.VerdictUnavailable, v.Kind)
	})
}

func TestScanRefusesArtifactsBeyondScanLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxScanBytes = 4 << 10
	s := newScanner(t, opts)

	// payload sits past the readable prefix
	data := withPayload(pngImage(t), "<?php system($_GET['c']); ?>", 8<<10)
	v := scanBytes(t, s, data)
	assert.Equal(t, models.VerdictUnavailable, v.Kind)
	assert.Contains(t, v.Reason, "scan limit")

	// a source longer than the recorded size is still caught
	short := &models.QuarantineArtifact{Hash: digest.FromBytes(data), SizeBytes: 100}
	v = s.Scan(context.Background(), &bytesSource{data: data}, short)
	assert.Equal(t, models.VerdictUnavailable, v.Kind)

	exact := withPayload(pngImage(t), "", 4<<10)
	assert.Equal(t, models.VerdictClean, scanBytes(t, s, exact).Kind)
}

func TestVerdictCache(t *testing.T) {
	cache := &mapCache{m: map[digest.Digest]models.ScanVerdict{}}
	opts := DefaultOptions()
	opts.Cache = cache
	s := newScanner(t, opts)

	bad := withPayload([]byte("GIF89a"), "<?php system($_GET['c']); ?>", 64)
	require.Equal(t, models.VerdictBlocked, scanBytes(t, s, bad).Kind)

	// a cached blocked verdict short-circuits even when the source now fails
	v := s.Scan(context.Background(), &bytesSource{err: errors.New("gone")}, artifactFor(bad))
	assert.Equal(t, models.VerdictBlocked, v.Kind)

	good := pngImage(t)
	v = s.Scan(context.Background(), &bytesSource{err: errors.New("gone")}, artifactFor(good))
	require.Equal(t, models.VerdictUnavailable, v.Kind)
	_, cached := cache.Get(digest.FromBytes(good))
	assert.False(t, cached, "unavailable verdicts are never cached")
}

func TestOperatorCELRules(t *testing.T) {
	specs, err := ParseRules([]byte(`
rules:
  - id: operator.dynamic-include
    confidence: low
    expr: 'size(profile.hits["include"]) > 0 && profile.hits["script-open"].exists(o, o > 64)'
`))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Rules = specs
	s := newScanner(t, opts)
	assert.Contains(t, s.Rules(), "operator.dynamic-include")

	v := scanBytes(t, s, withPayload([]byte("GIF89a"), "<?php include $f; ?>", 128))
	assert.Equal(t, models.VerdictBlocked, v.Kind)
	assert.Equal(t, "operator.dynamic-include", v.RuleID)
	assert.Equal(t, models.ConfidenceLow, v.Confidence)
}

func TestOperatorRuleSeesUnmatchedPredicates(t *testing.T) {
	opts := DefaultOptions()
	opts.Rules = []RuleSpec{{
		ID:   "operator.backtick-superglobal",
		Expr: `size(profile.hits["superglobal"]) > 0 || profile.hits["exec-function"].exists(o, o > 64)`,
	}}
	s := newScanner(t, opts)

	// stray short open tag in otherwise benign data passes the gate
	v := scanBytes(t, s, withPayload(pngImage(t), "<? x", 600))
	assert.Equal(t, models.VerdictClean, v.Kind, v.Reason)

	v = scanBytes(t, s, withPayload(pngImage(t), "<? x; system(1)", 600))
	assert.Equal(t, models.VerdictBlocked, v.Kind)
	assert.Equal(t, "operator.backtick-superglobal", v.RuleID)
}

func TestOperatorRuleCompileErrors(t *testing.T) {
	bad := [][]RuleSpec{
		{{ID: "broken", Expr: "profile.("}},
		{{ID: "", Expr: "true"}},
		{{ID: RuleExecWrapper, Expr: "true"}},
		{{ID: "x", Confidence: "certain", Expr: "true"}},
	}
	for _, specs := range bad {
		opts := DefaultOptions()
		opts.Rules = specs
		_, err := New(opts)
		assert.Error(t, err)
	}
}

func TestOperatorRuleRuntimeErrorIsUnavailable(t *testing.T) {
	opts := DefaultOptions()
	opts.Rules = []RuleSpec{{ID: "non-bool", Expr: "profile.size"}}
	s := newScanner(t, opts)

	v := scanBytes(t, s, withPayload([]byte("GIF89a"), "<?php phpinfo(); ?>", 64))
	assert.Equal(t, models.VerdictUnavailable, v.Kind)
}

func TestScanReadsQuarantinedCopy(t *testing.T) {
	store, err := quarantine.New(t.TempDir(), quarantine.Options{})
	require.NoError(t, err)
	s := newScanner(t, DefaultOptions())

	data := withPayload(pngImage(t), "<?php system($_GET['cmd']); ?>", 600)
	a, err := store.Write(context.Background(), data)
	require.NoError(t, err)

	v := s.Scan(context.Background(), store, a)
	assert.Equal(t, models.VerdictBlocked, v.Kind)
	assert.Equal(t, a.Hash, v.Hash)
}
