// Package scanner flags polyglot uploads: files that carry a valid image
// header and an embedded script payload.
//
// A scan reads the quarantined copy once, extracts a Profile of predicate
// hits, then evaluates rules (a small AST of predicates joined by And/Or)
// against the profile. Anything that prevents a definite answer (read
// failure, timeout, panic, broken rule pack) yields VerdictUnavailable,
// which callers treat as a block.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
)

// Logger interface for scanner logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Source yields quarantined bytes. *quarantine.Store implements it.
type Source interface {
	ReadLimited(a *models.QuarantineArtifact, limit int64) ([]byte, error)
}

// VerdictCache stores verdicts by content hash.
type VerdictCache interface {
	Get(hash digest.Digest) (models.ScanVerdict, bool)
	Add(v models.ScanVerdict)
}

// Options configures a Scanner.
type Options struct {
	// Largest artifact the scanner will profile; bigger ones are Unavailable
	MaxScanBytes int64
	Timeout      time.Duration
	// Script openers closer to the header than this are ignored
	MinMarkerOffset int
	// Plausible image size envelope
	MinSize int64
	MaxSize int64

	Rules  []RuleSpec
	Cache  VerdictCache
	Logger Logger
}

// DefaultOptions returns the scanner defaults.
func DefaultOptions() Options {
	return Options{
		MaxScanBytes:    16 << 20,
		Timeout:         5 * time.Second,
		MinMarkerOffset: 32,
		MinSize:         24,
		MaxSize:         64 << 20,
	}
}

// Scanner evaluates rules against quarantined artifacts.
type Scanner struct {
	opts   Options
	rules  []Rule
	broken error
	logger Logger
	now    func() time.Time
}

// New compiles the built-in and operator rules.
func New(opts Options) (*Scanner, error) {
	def := DefaultOptions()
	if opts.MaxScanBytes <= 0 {
		opts.MaxScanBytes = def.MaxScanBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MinMarkerOffset <= 0 {
		opts.MinMarkerOffset = def.MinMarkerOffset
	}
	if opts.MinSize <= 0 {
		opts.MinSize = def.MinSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	gate := Gate(Sig{MinSize: opts.MinSize, MaxSize: opts.MaxSize}, opts.MinMarkerOffset)
	rules := BuiltinRules(gate)
	extra, err := CompileRules(opts.Rules, gate)
	if err != nil {
		return nil, err
	}
	rules = append(rules, extra...)

	return &Scanner{
		opts:   opts,
		rules:  rules,
		logger: opts.Logger,
		now:    time.Now,
	}, nil
}

// Disabled returns a scanner that answers every scan with
// VerdictUnavailable, for when the rule engine could not be configured.
func Disabled(reason error, logger Logger) *Scanner {
	if logger == nil {
		logger = nopLogger{}
	}
	if reason == nil {
		reason = fmt.Errorf("scanner disabled")
	}
	return &Scanner{broken: reason, logger: logger, now: time.Now}
}

// Rules returns the ids of the active rules in evaluation order.
func (s *Scanner) Rules() []string {
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.ID
	}
	return ids
}

// Scan reads the quarantined artifact and returns a verdict. It never
// returns Clean unless every rule was evaluated successfully.
func (s *Scanner) Scan(ctx context.Context, src Source, a *models.QuarantineArtifact) models.ScanVerdict {
	if a == nil {
		return s.unavailable("", "nil artifact")
	}
	if s.broken != nil {
		s.logger.Error("scanner unavailable", "hash", a.Hash.String(), "error", s.broken)
		return s.unavailable(a.Hash, s.broken.Error())
	}
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(a.Hash); ok && v.Cacheable() {
			s.logger.Debug("verdict cache hit", "hash", a.Hash.String(), "verdict", v.Kind)
			return v
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	done := make(chan models.ScanVerdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- s.unavailable(a.Hash, fmt.Sprintf("scan panicked: %v", r))
			}
		}()
		done <- s.scan(ctx, src, a)
	}()

	var v models.ScanVerdict
	select {
	case <-ctx.Done():
		v = s.unavailable(a.Hash, "scan timed out: "+ctx.Err().Error())
	case v = <-done:
	}

	switch v.Kind {
	case models.VerdictBlocked:
		s.logger.Warn("polyglot upload blocked", "hash", a.Hash.String(),
			"rule_id", v.RuleID, "confidence", v.Confidence, "reason", v.Reason)
	case models.VerdictUnavailable:
		s.logger.Error("scanner unavailable", "hash", a.Hash.String(), "reason", v.Reason)
	}

	if s.opts.Cache != nil && v.Cacheable() {
		s.opts.Cache.Add(v)
	}
	return v
}

func (s *Scanner) scan(ctx context.Context, src Source, a *models.QuarantineArtifact) models.ScanVerdict {
	if a.SizeBytes > s.opts.MaxScanBytes {
		return s.unavailable(a.Hash, fmt.Sprintf("artifact size %d exceeds scan limit %d", a.SizeBytes, s.opts.MaxScanBytes))
	}
	data, err := src.ReadLimited(a, s.opts.MaxScanBytes+1)
	if err != nil {
		return s.unavailable(a.Hash, "read artifact: "+err.Error())
	}
	if int64(len(data)) > s.opts.MaxScanBytes {
		return s.unavailable(a.Hash, fmt.Sprintf("artifact exceeds scan limit %d", s.opts.MaxScanBytes))
	}
	if err := ctx.Err(); err != nil {
		return s.unavailable(a.Hash, err.Error())
	}

	size := a.SizeBytes
	if size < int64(len(data)) {
		size = int64(len(data))
	}
	profile := NewProfile(data, size)
	return s.Evaluate(ctx, a.Hash, profile)
}

// Evaluate runs the rules in order against a profile; the first match wins.
func (s *Scanner) Evaluate(ctx context.Context, hash digest.Digest, p *Profile) models.ScanVerdict {
	if s.broken != nil {
		return s.unavailable(hash, s.broken.Error())
	}
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return s.unavailable(hash, err.Error())
		}
		ok, err := r.When.Eval(p)
		if err != nil {
			return s.unavailable(hash, fmt.Sprintf("rule %s: %v", r.ID, err))
		}
		if ok {
			return models.ScanVerdict{
				Kind:       models.VerdictBlocked,
				Hash:       hash,
				RuleID:     r.ID,
				Confidence: r.Confidence,
				Reason:     r.When.String(),
				ScannedAt:  s.now().UTC(),
			}
		}
	}
	return models.ScanVerdict{Kind: models.VerdictClean, Hash: hash, ScannedAt: s.now().UTC()}
}

func (s *Scanner) unavailable(hash digest.Digest, reason string) models.ScanVerdict {
	return models.ScanVerdict{
		Kind:      models.VerdictUnavailable,
		Hash:      hash,
		Reason:    reason,
		ScannedAt: s.now().UTC(),
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
