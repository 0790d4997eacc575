// Package cache holds index and metadata caches: decompressed PMTiles
// directories and STAC search responses. Rendered tiles are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	DirectoryCacheMB int           // hard limit for directory bytes (default 64)
	DirectoryTTL     time.Duration // default 1h
	QueryCacheSize   int           // STAC responses kept (default 512)
	QueryTTL         time.Duration // default 15m
}

func (c *Config) applyDefaults() {
	if c.DirectoryCacheMB <= 0 {
		c.DirectoryCacheMB = 64
	}
	if c.DirectoryTTL <= 0 {
		c.DirectoryTTL = time.Hour
	}
	if c.QueryCacheSize <= 0 {
		c.QueryCacheSize = 512
	}
	if c.QueryTTL <= 0 {
		c.QueryTTL = 15 * time.Minute
	}
}

type queryEntry struct {
	data    []byte
	expires time.Time
}

// Manager manages the directory and query caches.
type Manager struct {
	dirCache   *bigcache.BigCache
	queryCache *lru.Cache[string, queryEntry]
	queryTTL   time.Duration
	now        func() time.Time

	dirHits, dirMisses     atomic.Int64
	queryHits, queryMisses atomic.Int64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()

	dirCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.DirectoryTTL,
		CleanWindow:        cfg.DirectoryTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.DirectoryCacheMB,
		Verbose:            false,
	}

	dirCache, err := bigcache.New(context.Background(), dirCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}

	queryCache, err := lru.New[string, queryEntry](cfg.QueryCacheSize)
	if err != nil {
		dirCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		dirCache:   dirCache,
		queryCache: queryCache,
		queryTTL:   cfg.QueryTTL,
		now:        time.Now,
	}, nil
}

// GetDirectory retrieves decompressed directory bytes.
func (m *Manager) GetDirectory(key string) ([]byte, bool) {
	data, err := m.dirCache.Get(key)
	if err != nil {
		m.dirMisses.Add(1)
		return nil, false
	}
	m.dirHits.Add(1)
	return data, true
}

// SetDirectory stores decompressed directory bytes. bigcache copies data.
// Entries larger than a shard are rejected with an error; callers treat that
// as a cache miss.
func (m *Manager) SetDirectory(key string, data []byte) error {
	return m.dirCache.Set(key, data)
}

// GetQuery retrieves a cached query response that has not expired.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	e, ok := m.queryCache.Get(key)
	if !ok || m.now().After(e.expires) {
		if ok {
			m.queryCache.Remove(key)
		}
		m.queryMisses.Add(1)
		return nil, false
	}
	m.queryHits.Add(1)
	return e.data, true
}

// SetQuery stores a query response.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, queryEntry{data: data, expires: m.now().Add(m.queryTTL)})
}

// DirectoryKey generates a cache key for a directory of archive at offset.
func DirectoryKey(archive string, offset, length uint64) string {
	return fmt.Sprintf("dir:%s:%d:%d", archive, offset, length)
}

// QueryKey generates a cache key for a query of kind with the given
// parameters. Parameter order is significant.
func QueryKey(kind string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats is a snapshot of cache counters.
type Stats struct {
	DirectoryEntries int   `json:"directory_entries"`
	DirectoryBytes   int   `json:"directory_capacity_bytes"`
	DirectoryHits    int64 `json:"directory_hits"`
	DirectoryMisses  int64 `json:"directory_misses"`
	QueryEntries     int   `json:"query_entries"`
	QueryHits        int64 `json:"query_hits"`
	QueryMisses      int64 `json:"query_misses"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		DirectoryEntries: m.dirCache.Len(),
		DirectoryBytes:   m.dirCache.Capacity(),
		DirectoryHits:    m.dirHits.Load(),
		DirectoryMisses:  m.dirMisses.Load(),
		QueryEntries:     m.queryCache.Len(),
		QueryHits:        m.queryHits.Load(),
		QueryMisses:      m.queryMisses.Load(),
	}
}

// String is used in startup logs.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dirs=%d hits=%d/%d queries=%d hits=%d/%d",
		s.DirectoryEntries, s.DirectoryHits, s.DirectoryHits+s.DirectoryMisses,
		s.QueryEntries, s.QueryHits, s.QueryHits+s.QueryMisses)
	return b.String()
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.dirCache.Close()
}
