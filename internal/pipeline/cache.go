package pipeline

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/source"
)

// Cache is the paged-fetch result cache. Entries are keyed by query
// fingerprint and bounded by TTL, an entry-count ceiling, and a total
// byte-size ceiling. Eviction is least-recently-accessed first; an
// entry past its TTL is unreachable via Get even before the background
// sweep collects it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed

	ttl           time.Duration
	maxEntries    int
	maxBytes      int64
	sweepInterval time.Duration

	totalBytes int64
	stats      CacheStats

	logger *zap.Logger
}

// cacheEntry is one cached page.
type cacheEntry struct {
	key            string
	value          []*models.Record
	insertedAt     time.Time
	lastAccessedAt time.Time
	sizeBytes      int64
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	TotalBytes  int64 `json:"total_bytes"`
}

// NewCache creates a cache from the pipeline cache configuration.
func NewCache(cfg config.CacheConfig, logger *zap.Logger) *Cache {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Cache{
		entries:       make(map[string]*list.Element),
		lru:           list.New(),
		ttl:           cfg.TTL,
		maxEntries:    cfg.MaxEntries,
		maxBytes:      int64(cfg.MaxMemoryMB) * 1024 * 1024,
		sweepInterval: sweep,
		logger:        logger.With(zap.String("component", "cache")),
	}
}

// Start launches the background sweep that removes TTL-expired entries
// independent of access pattern.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepExpired(time.Now())
			}
		}
	}()
}

// GenerateKey derives a stable fingerprint from the query identity and
// pagination window. Identical queries at identical windows collide
// intentionally; any differing input produces a different key.
func GenerateKey(query source.Query, offset, limit int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%d",
		query.Source, query.Filter, query.Sort, query.LoadSpec, offset, limit)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached page for key, or a miss if absent or expired.
func (c *Cache) Get(key string) ([]*models.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.insertedAt) > c.ttl {
		c.removeLocked(elem)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}

	entry.lastAccessedAt = time.Now()
	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return entry.value, true
}

// Put inserts a page, first evicting least-recently-accessed entries if
// either the entry-count or byte-size ceiling would be exceeded.
func (c *Cache) Put(key string, value []*models.Record) {
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	// A single oversized page is not cacheable.
	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Debug("page exceeds cache byte ceiling, skipping",
			zap.String("key", key), zap.Int64("size_bytes", size))
		return
	}

	for (c.maxEntries > 0 && c.lru.Len() >= c.maxEntries) ||
		(c.maxBytes > 0 && c.totalBytes+size > c.maxBytes) {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.stats.Evictions++
	}

	now := time.Now()
	entry := &cacheEntry{
		key:            key,
		value:          value,
		insertedAt:     now,
		lastAccessedAt: now,
		sizeBytes:      size,
	}
	c.entries[key] = c.lru.PushFront(entry)
	c.totalBytes += size
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = c.lru.Len()
	stats.TotalBytes = c.totalBytes
	return stats
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	c.totalBytes -= entry.sizeBytes
}

func (c *Cache) sweepExpired(now time.Time) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired int
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if now.Sub(entry.insertedAt) > c.ttl {
			c.removeLocked(elem)
			c.stats.Expirations++
			expired++
		}
		elem = prev
	}

	if expired > 0 {
		c.logger.Debug("swept expired cache entries", zap.Int("expired", expired))
	}
}

// estimateSize approximates a page's memory footprint by its JSON
// encoding length.
func estimateSize(records []*models.Record) int64 {
	var size int64
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			// Unencodable values still occupy memory; charge a floor.
			size += 64
			continue
		}
		size += int64(len(data))
	}
	return size
}
