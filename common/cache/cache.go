package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/models"
	"github.com/opencontainers/go-digest"
)

// VerdictCache holds scan verdicts keyed by content hash, so identical
// bytes uploaded again skip rescanning. Only Clean and Blocked verdicts are
// stored; Unavailable is a property of the scan attempt, not the content.
type VerdictCache struct {
	lru *expirable.LRU[digest.Digest, models.ScanVerdict]
	log *logger.Logger
}

// NewVerdictCache creates a bounded cache whose entries expire after ttl.
func NewVerdictCache(size int, ttl time.Duration, log *logger.Logger) *VerdictCache {
	if size <= 0 {
		size = 4096
	}
	return &VerdictCache{
		lru: expirable.NewLRU[digest.Digest, models.ScanVerdict](size, nil, ttl),
		log: log,
	}
}

// Get returns the cached verdict for hash.
func (c *VerdictCache) Get(hash digest.Digest) (models.ScanVerdict, bool) {
	return c.lru.Get(hash)
}

// Add stores v unless it is not cacheable.
func (c *VerdictCache) Add(v models.ScanVerdict) {
	if !v.Cacheable() || v.Hash == "" {
		return
	}
	if evicted := c.lru.Add(v.Hash, v); evicted && c.log != nil {
		c.log.Debug("verdict cache evicted oldest entry", "size", c.lru.Len())
	}
}

// Remove drops the verdict for hash.
func (c *VerdictCache) Remove(hash digest.Digest) {
	c.lru.Remove(hash)
}

// Stats returns cache statistics
func (c *VerdictCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"entries": c.lru.Len(),
		"type":    "lru",
	}
}
