package quarantine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
)

// List returns every artifact currently on disk. CreatedAt is the file
// modification time, so the expiry sweep can find artifacts whose tracking
// record was never written or was lost.
func (s *Store) List(ctx context.Context) ([]models.QuarantineArtifact, error) {
	var out []models.QuarantineArtifact
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		a, ok := s.parseKey(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		a.SizeBytes = info.Size()
		a.CreatedAt = info.ModTime().UTC()
		out = append(out, a)
		return nil
	})
	return out, err
}

// PurgeTemp removes temp files older than cutoff left behind by writes
// interrupted by a crash. It returns how many were removed.
func (s *Store) PurgeTemp(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err == nil {
			removed++
			s.pruneDirs(filepath.Dir(p))
		}
		return nil
	})
	return removed, err
}

// parseKey rebuilds an artifact reference from a relative key, accepting
// only keys in the shard layout.
func (s *Store) parseKey(key string) (models.QuarantineArtifact, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return models.QuarantineArtifact{}, false
	}
	hex, _, _ := strings.Cut(parts[2], ".")
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hex)
	if dgst.Validate() != nil || parts[0] != hex[0:2] || parts[1] != hex[2:4] || !validName(parts[2], hex) {
		return models.QuarantineArtifact{}, false
	}
	return models.QuarantineArtifact{Hash: dgst, Key: key, TTL: s.ttl}, true
}
