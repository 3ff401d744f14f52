// Package cache is a bounded in-memory byte cache for ranges of remote
// objects. Lookups are sharded; eviction is globally least recently used.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Defaults used by the configuration layer.
const (
	DefaultMaxBytes int64 = 200 << 20
	DefaultShards         = 16
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_cache_hits_total",
		Help: "Range cache lookups served from memory.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_cache_misses_total",
		Help: "Range cache lookups that required a fetch.",
	})
	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_cache_evictions_total",
		Help: "Entries dropped to stay under the byte ceiling.",
	})
	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "televault_cache_bytes",
		Help: "Bytes currently held by the range cache.",
	})
)

// Key identifies a cached block: an asset and a closed byte range of it.
type Key struct {
	AssetID int64
	Start   int64
	End     int64
}

func (k Key) String() string { return fmt.Sprintf("%d:%d-%d", k.AssetID, k.Start, k.End) }

// FetchFunc loads the bytes for a key on a miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Stats is a point-in-time snapshot.
type Stats struct {
	Entries   int
	Bytes     int64
	MaxBytes  int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	data []byte // never mutated after insertion
	tick uint64
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[Key, *entry]
}

// Cache is safe for concurrent use. Callers always receive their own copy of
// the bytes, so eviction never invalidates data already handed out.
type Cache struct {
	shards []*shard

	maxBytes atomic.Int64
	used     atomic.Int64
	tick     atomic.Uint64

	hits, misses, evictions atomic.Uint64

	evictMu sync.Mutex
	group   singleflight.Group
}

// New returns a cache holding at most maxBytes. A ceiling of 0 disables
// storage: every lookup fetches.
func New(maxBytes int64, shards int) *Cache {
	if shards <= 0 {
		shards = DefaultShards
	}
	c := &Cache{shards: make([]*shard, shards)}
	for i := range c.shards {
		// Entry count is unbounded; the byte ceiling is enforced globally.
		l, _ := simplelru.NewLRU[Key, *entry](math.MaxInt32, nil)
		c.shards[i] = &shard{lru: l}
	}
	c.maxBytes.Store(max(maxBytes, 0))
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	h := uint64(k.AssetID)*0x9E3779B97F4A7C15 ^ uint64(k.Start)*0xC2B2AE3D27D4EB4F ^ uint64(k.End)
	h ^= h >> 33
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns a copy of the cached bytes.
func (c *Cache) Get(k Key) ([]byte, bool) {
	s := c.shardFor(k)
	s.mu.Lock()
	e, ok := s.lru.Get(k)
	if ok {
		e.tick = c.tick.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return clone(e.data), true
}

// GetOrFetch returns the cached bytes for k or calls fetch once, shared by
// every concurrent caller missing the same key. The shared fetch ignores the
// cancellation of whichever caller started it; each caller still stops
// waiting when its own ctx is done.
func (c *Cache) GetOrFetch(ctx context.Context, k Key, fetch FetchFunc) ([]byte, error) {
	if b, ok := c.Get(k); ok {
		c.hits.Add(1)
		cacheHitsTotal.Inc()
		return b, nil
	}
	c.misses.Add(1)
	cacheMissesTotal.Inc()

	ch := c.group.DoChan(k.String(), func() (any, error) {
		if b, ok := c.Get(k); ok {
			return b, nil
		}
		b, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		b = clone(b)
		c.put(k, b)
		return b, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]byte)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) put(k Key, b []byte) {
	size := int64(len(b))
	if limit := c.maxBytes.Load(); limit == 0 || size > limit {
		return
	}
	s := c.shardFor(k)
	s.mu.Lock()
	if s.lru.Contains(k) {
		s.mu.Unlock()
		return
	}
	s.lru.Add(k, &entry{data: b, tick: c.tick.Add(1)})
	s.mu.Unlock()

	cacheBytes.Add(float64(size))
	c.used.Add(size)
	c.evict()
}

// evict drops globally least recently used entries until usage fits.
func (c *Cache) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	for c.used.Load() > c.maxBytes.Load() {
		if !c.evictOldest() {
			return
		}
	}
}

func (c *Cache) evictOldest() bool {
	var (
		victim  *shard
		minTick uint64 = math.MaxUint64
	)
	for _, s := range c.shards {
		s.mu.Lock()
		if _, e, ok := s.lru.GetOldest(); ok && e.tick < minTick {
			victim, minTick = s, e.tick
		}
		s.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	_, e, ok := victim.lru.RemoveOldest()
	victim.mu.Unlock()
	if !ok {
		return true // raced with another remover; rescan
	}
	size := int64(len(e.data))
	c.used.Add(-size)
	cacheBytes.Sub(float64(size))
	c.evictions.Add(1)
	cacheEvictionsTotal.Inc()
	return true
}

// SetMaxBytes changes the ceiling, evicting least recently used entries
// when it shrinks. Zero disables the cache and empties it.
func (c *Cache) SetMaxBytes(n int64) {
	c.maxBytes.Store(max(n, 0))
	c.evict()
}

// MaxBytes reports the current ceiling.
func (c *Cache) MaxBytes() int64 { return c.maxBytes.Load() }

// Stats returns a snapshot of usage and counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Bytes:     c.used.Load(),
		MaxBytes:  c.maxBytes.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Entries += s.lru.Len()
		s.mu.Unlock()
	}
	return st
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
