// Package quarantine is a content-addressed holding area for untrusted
// uploads. Bytes land here before any verdict and leave only through
// Promote, Delete or Purge.
package quarantine

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
)

var (
	ErrArtifactMissing       = errors.New("quarantine: artifact missing")
	ErrOutsideRoot           = errors.New("quarantine: path outside quarantine root")
	ErrDestinationInsideRoot = errors.New("quarantine: destination inside quarantine root")
	ErrDestinationExists     = errors.New("quarantine: destination already exists")
	ErrPathExhausted         = errors.New("quarantine: path generation attempts exhausted")
	ErrIntegrity             = errors.New("quarantine: content does not match hash")
	ErrNonLocalRoot          = errors.New("quarantine: root must be a local directory")
)

const tempPrefix = ".tmp-"

// Logger interface for quarantine logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Options tunes the store.
type Options struct {
	// Path derivation attempts before a write fails
	MaxAttempts int
	// TTL stamped on written artifacts
	TTL    time.Duration
	Logger Logger
}

// Store is a content-addressed store rooted at a single local directory.
type Store struct {
	root        string
	maxAttempts int
	ttl         time.Duration
	logger      Logger
}

// New opens (creating if needed) the quarantine root. URL-like and UNC roots
// are refused since atomic rename and link semantics need a local filesystem.
func New(root string, opts Options) (*Store, error) {
	if err := CheckLocalRoot(root); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create quarantine root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat quarantine root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNonLocalRoot, resolved)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	return &Store{
		root:        resolved,
		maxAttempts: opts.MaxAttempts,
		ttl:         opts.TTL,
		logger:      opts.Logger,
	}, nil
}

// CheckLocalRoot rejects roots that name remote or object storage.
func CheckLocalRoot(root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return fmt.Errorf("%w: empty path", ErrNonLocalRoot)
	}
	if strings.Contains(root, "://") {
		return fmt.Errorf("%w: %q looks like a URL", ErrNonLocalRoot, root)
	}
	if strings.HasPrefix(root, `\\`) || strings.HasPrefix(root, "//") {
		return fmt.Errorf("%w: %q is a network share", ErrNonLocalRoot, root)
	}
	return nil
}

// Root returns the canonical quarantine root.
func (s *Store) Root() string {
	return s.root
}

// TTL returns the TTL stamped on new artifacts.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Write stores data under its content hash. The bytes are fully written and
// synced to a sibling temp file, then linked into place so readers never see
// a partial file and an existing artifact is never overwritten. Identical
// content already present gets a numbered sibling key.
func (s *Store) Write(ctx context.Context, data []byte) (*models.QuarantineArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dgst := digest.FromBytes(data)
	hex := dgst.Encoded()
	relDir := filepath.Join(hex[0:2], hex[2:4])
	dir := filepath.Join(s.root, relDir)
	tmp, err := s.createTemp(dir)
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		name := hex
		if attempt > 0 {
			name = hex + "." + strconv.Itoa(attempt)
		}
		err := os.Link(tmpPath, filepath.Join(dir, name))
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("publish artifact: %w", err)
		}
		syncDir(dir)

		artifact := &models.QuarantineArtifact{
			Hash:      dgst,
			Key:       filepath.ToSlash(filepath.Join(relDir, name)),
			SizeBytes: int64(len(data)),
			CreatedAt: time.Now().UTC(),
			TTL:       s.ttl,
		}
		s.logger.Debug("artifact quarantined", "hash", dgst.String(), "key", artifact.Key, "size", len(data))
		return artifact, nil
	}

	return nil, fmt.Errorf("%w: %d attempts for %s", ErrPathExhausted, s.maxAttempts, dgst)
}

// createTemp makes the shard dir and a temp file in it. A concurrent Delete
// may prune the empty shard between the two steps, so a missing dir is
// recreated once.
func (s *Store) createTemp(dir string) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create shard dir: %w", err)
		}
		tmp, err := createTempFile(dir, tempPrefix+"*")
		if err == nil {
			return tmp, nil
		}
		if !errors.Is(err, fs.ErrNotExist) || attempt > 0 {
			return nil, fmt.Errorf("create temp file: %w", err)
		}
		s.logger.Debug("shard dir pruned during write, retrying", "dir", dir)
	}
}

// Path returns the absolute on-disk path of a after checking it is inside
// the root.
func (s *Store) Path(a *models.QuarantineArtifact) (string, error) {
	return s.resolve(a)
}

// Open opens the artifact for reading.
func (s *Store) Open(a *models.QuarantineArtifact) (io.ReadCloser, error) {
	p, err := s.resolve(a)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, a.Key)
	}
	return f, err
}

// ReadAll reads the artifact and verifies it still hashes to its key.
func (s *Store) ReadAll(a *models.QuarantineArtifact) ([]byte, error) {
	return s.ReadLimited(a, -1)
}

// ReadLimited reads at most limit bytes (limit < 0 means all). The digest is
// only verified when the whole artifact was read.
func (s *Store) ReadLimited(a *models.QuarantineArtifact, limit int64) ([]byte, error) {
	rc, err := s.Open(a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit >= 0 {
		r = io.LimitReader(rc, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if limit < 0 || int64(len(data)) < limit {
		if digest.FromBytes(data) != a.Hash {
			return nil, fmt.Errorf("%w: %s", ErrIntegrity, a.Key)
		}
	}
	return data, nil
}

// Exists reports whether the artifact is present.
func (s *Store) Exists(a *models.QuarantineArtifact) (bool, error) {
	p, err := s.resolve(a)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the artifact. A missing artifact is not an error.
func (s *Store) Delete(a *models.QuarantineArtifact) error {
	p, err := s.resolve(a)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	s.pruneDirs(filepath.Dir(p))
	s.logger.Debug("artifact deleted", "hash", a.Hash.String(), "key", a.Key)
	return nil
}

// Purge is Delete under the name the sweeper uses.
func (s *Store) Purge(a *models.QuarantineArtifact) error {
	return s.Delete(a)
}

// Promote moves the artifact to dest, which must lie outside the root.
// Promoting an artifact that is gone yields ErrArtifactMissing, so a second
// promotion of the same artifact always fails.
func (s *Store) Promote(a *models.QuarantineArtifact, dest string) error {
	src, err := s.resolve(a)
	if err != nil {
		return err
	}
	dest, err = s.checkDestination(dest)
	if err != nil {
		return err
	}

	info, err := os.Lstat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, a.Key)
	}
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrOutsideRoot, a.Key)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	err = os.Link(src, dest)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrDestinationExists, dest)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrArtifactMissing, a.Key)
	case errors.Is(err, syscall.EXDEV), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.ENOTSUP):
		if err := copyFile(src, dest); err != nil {
			return err
		}
	default:
		return fmt.Errorf("promote artifact: %w", err)
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove promoted artifact: %w", err)
	}
	s.pruneDirs(filepath.Dir(src))
	s.logger.Info("artifact promoted", "hash", a.Hash.String(), "dest", dest)
	return nil
}

// resolve maps an artifact to its path, refusing keys that do not follow the
// shard layout for the artifact's own hash or that resolve outside the root.
func (s *Store) resolve(a *models.QuarantineArtifact) (string, error) {
	if a == nil {
		return "", fmt.Errorf("%w: nil artifact", ErrOutsideRoot)
	}
	if err := a.Hash.Validate(); err != nil {
		return "", fmt.Errorf("%w: invalid hash %q", ErrOutsideRoot, a.Hash)
	}
	key := filepath.FromSlash(a.Key)
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: key %q", ErrOutsideRoot, a.Key)
	}

	hex := a.Hash.Encoded()
	dir, base := filepath.Split(key)
	if filepath.Clean(dir) != filepath.Join(hex[0:2], hex[2:4]) || !validName(base, hex) {
		return "", fmt.Errorf("%w: key %q does not match hash", ErrOutsideRoot, a.Key)
	}

	full := filepath.Join(s.root, key)
	if err := s.within(full); err != nil {
		return "", err
	}
	if info, err := os.Lstat(full); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s is a symlink", ErrOutsideRoot, a.Key)
	}
	return full, nil
}

// within checks that the deepest existing ancestor of p resolves inside root.
func (s *Store) within(p string) error {
	probe := p
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !isWithin(s.root, resolved) {
				return fmt.Errorf("%w: %s", ErrOutsideRoot, p)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("resolve %s: %w", probe, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("%w: %s", ErrOutsideRoot, p)
		}
		probe = parent
	}
}

func (s *Store) checkDestination(dest string) (string, error) {
	if strings.TrimSpace(dest) == "" {
		return "", errors.New("quarantine: empty promotion destination")
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	if isWithin(s.root, abs) {
		return "", fmt.Errorf("%w: %s", ErrDestinationInsideRoot, abs)
	}
	// a symlinked parent could still land the file inside the root
	probe := filepath.Dir(abs)
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if isWithin(s.root, resolved) {
				return "", fmt.Errorf("%w: %s", ErrDestinationInsideRoot, abs)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return abs, nil
}

// pruneDirs removes empty shard directories up to, not including, the root.
func (s *Store) pruneDirs(dir string) {
	for dir != s.root && isWithin(s.root, dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

// validName accepts "<hex>" and "<hex>.<n>" with n a positive integer.
func validName(name, hex string) bool {
	if name == hex {
		return true
	}
	suffix, ok := strings.CutPrefix(name, hex+".")
	if !ok || suffix == "" {
		return false
	}
	n, err := strconv.Atoi(suffix)
	return err == nil && n > 0 && strconv.Itoa(n) == suffix
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrArtifactMissing
		}
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(dest)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	return out.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}

var createTempFile = os.CreateTemp

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
