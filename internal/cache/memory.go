package cache

import (
	"container/list"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// DisposeFunc is called once for every entry that leaves the cache. It runs
// without any cache lock held and may call back into the cache.
type DisposeFunc func(key string, value any, reason types.DisposeReason)

// MemoryConfig represents memory cache configuration
type MemoryConfig struct {
	MaxSize int64 `yaml:"max_size"`
	Shards  int   `yaml:"shards"`

	OnDispose DisposeFunc             `yaml:"-"`
	Logger    *utils.StructuredLogger `yaml:"-"`
	Metrics   types.MetricsCollector  `yaml:"-"`
}

const (
	defaultMemoryMaxSize = 64 << 20
	defaultShards        = 16
)

// MemoryCache is a size-bounded LRU of decoded values. Lookups lock a single
// shard. Each shard keeps its unpinned entries on a recency list stamped with
// a global tick, so the oldest shard tail is the exact LRU victim across
// shards. Pinned entries are never evicted, removed or cleared.
type MemoryCache struct {
	shards []*shard
	mask   uint64

	tick    atomic.Uint64
	size    atomic.Int64
	pinned  atomic.Int64
	maxSize atomic.Int64

	// evictMu serializes admission and eviction.
	evictMu sync.Mutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	onDispose DisposeFunc
	logger    *utils.StructuredLogger
	metrics   types.MetricsCollector
}

type shard struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	// unpinned items, most recently used at the front
	lru *list.List
}

type memoryItem struct {
	key   string
	value any
	size  int64
	pins  int
	tick  uint64
	elem  *list.Element
}

type disposal struct {
	key    string
	value  any
	reason types.DisposeReason
}

var _ types.MemoryCache = (*MemoryCache)(nil)

// NewMemoryCache creates a memory cache. A nil config uses a 64 MiB budget.
func NewMemoryCache(config *MemoryConfig) *MemoryCache {
	if config == nil {
		config = &MemoryConfig{}
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMemoryMaxSize
	}
	n := config.Shards
	if n <= 0 {
		n = defaultShards
	}
	// power of two so the hash can be masked
	n = 1 << bits.Len(uint(n-1))

	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	c := &MemoryCache{
		shards:    make([]*shard, n),
		mask:      uint64(n - 1),
		onDispose: config.OnDispose,
		logger:    logger.WithComponent("memory-cache"),
		metrics:   metrics,
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*memoryItem), lru: list.New()}
	}
	c.maxSize.Store(maxSize)
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

// Get returns the value for key and marks it most recently used.
func (c *MemoryCache) Get(key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	item, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		c.metrics.RecordCacheMiss(types.TierMemory)
		return nil, false
	}
	item.tick = c.tick.Add(1)
	if item.elem != nil {
		s.lru.MoveToFront(item.elem)
	}
	value, size := item.value, item.size
	s.mu.Unlock()

	c.hits.Add(1)
	c.metrics.RecordCacheHit(types.TierMemory, size)
	return value, true
}

// Put stores value under key as the most recently used entry. It fails with
// CAPACITY_EXCEEDED if the value cannot fit beside the pinned entries, and
// with ENTRY_IN_USE if the current value for key is pinned.
func (c *MemoryCache) Put(key string, value any, size int64) error {
	if size < 0 {
		return errors.NewError(errors.ErrCodeInternalError, fmt.Sprintf("negative size %d", size)).
			WithComponent("memory-cache").WithOperation("put").WithContext("key", key)
	}

	c.evictMu.Lock()

	maxSize := c.maxSize.Load()
	if size > maxSize {
		c.evictMu.Unlock()
		return errors.NewError(errors.ErrCodeCapacityExceeded,
			fmt.Sprintf("entry of %d bytes exceeds budget of %d bytes", size, maxSize)).
			WithComponent("memory-cache").WithOperation("put").WithContext("key", key)
	}

	s := c.shardFor(key)
	s.mu.Lock()
	old, replacing := s.items[key]
	if replacing && old.pins > 0 {
		s.mu.Unlock()
		c.evictMu.Unlock()
		return errors.NewError(errors.ErrCodeEntryInUse, "entry is pinned").
			WithComponent("memory-cache").WithOperation("put").WithContext("key", key)
	}
	if c.pinned.Load()+size > maxSize {
		s.mu.Unlock()
		c.evictMu.Unlock()
		return errors.NewError(errors.ErrCodeCapacityExceeded, "not enough unpinned space").
			WithComponent("memory-cache").WithOperation("put").
			WithContext("key", key).WithDetail("pinned", c.pinned.Load())
	}

	item := &memoryItem{key: key, value: value, size: size, tick: c.tick.Add(1)}
	item.elem = s.lru.PushFront(item)
	s.items[key] = item
	delta := size
	if replacing {
		s.lru.Remove(old.elem)
		old.elem = nil
		delta -= old.size
	}
	c.size.Add(delta)
	s.mu.Unlock()

	var disposed []disposal
	if replacing {
		disposed = append(disposed, disposal{key: key, value: old.value, reason: types.DisposeReplaced})
	}
	disposed = c.evictToLocked(maxSize, disposed)
	c.evictMu.Unlock()

	c.dispose(disposed)
	c.metrics.UpdateCacheSize(types.TierMemory, c.size.Load(), maxSize)
	return nil
}

// Remove deletes key unless it is pinned. It reports whether an entry was
// removed.
func (c *MemoryCache) Remove(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	item, ok := s.items[key]
	if !ok || item.pins > 0 {
		s.mu.Unlock()
		return false
	}
	s.unlink(item)
	c.size.Add(-item.size)
	s.mu.Unlock()

	c.dispose([]disposal{{key: key, value: item.value, reason: types.DisposeRemoved}})
	return true
}

// Pin marks key as in use. Each Pin needs a matching Unpin.
func (c *MemoryCache) Pin(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return false
	}
	item.pins++
	if item.pins == 1 {
		s.lru.Remove(item.elem)
		item.elem = nil
		c.pinned.Add(item.size)
	}
	return true
}

// Unpin releases one pin on key and evicts if the cache is over budget.
func (c *MemoryCache) Unpin(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	item, ok := s.items[key]
	if !ok || item.pins == 0 {
		s.mu.Unlock()
		return false
	}
	item.pins--
	if item.pins == 0 {
		s.relink(item)
		c.pinned.Add(-item.size)
	}
	s.mu.Unlock()

	if c.size.Load() > c.maxSize.Load() {
		c.evictTo(c.maxSize.Load())
	}
	return true
}

// TrimToLevel shrinks the cache to the fraction of its budget given by level.
// TrimFull drops every unpinned entry.
func (c *MemoryCache) TrimToLevel(level types.TrimLevel) {
	target := int64(float64(c.maxSize.Load()) * level.TargetFraction())
	if level == types.TrimFull {
		target = -1
	}
	before := c.size.Load()
	c.evictTo(target)
	c.logger.Debug("Trimmed memory cache", map[string]interface{}{
		"level":  level.String(),
		"before": before,
		"after":  c.size.Load(),
	})
}

// Clear removes every unpinned entry.
func (c *MemoryCache) Clear() {
	var disposed []disposal
	for _, s := range c.shards {
		s.mu.Lock()
		for key, item := range s.items {
			if item.pins > 0 {
				continue
			}
			s.unlink(item)
			c.size.Add(-item.size)
			disposed = append(disposed, disposal{key: key, value: item.value, reason: types.DisposeCleared})
		}
		s.mu.Unlock()
	}
	c.dispose(disposed)
	c.metrics.UpdateCacheSize(types.TierMemory, c.size.Load(), c.maxSize.Load())
}

// Size returns the total size of all entries, pinned ones included.
func (c *MemoryCache) Size() int64 {
	return c.size.Load()
}

// MaxSize returns the budget.
func (c *MemoryCache) MaxSize() int64 {
	return c.maxSize.Load()
}

// SetMaxSize changes the budget and evicts down to it. Non-positive values
// are ignored.
func (c *MemoryCache) SetMaxSize(n int64) {
	if n <= 0 {
		return
	}
	c.maxSize.Store(n)
	c.evictTo(n)
}

// Keys returns the cached keys, most recently used first.
func (c *MemoryCache) Keys() []string {
	type keyTick struct {
		key  string
		tick uint64
	}
	var all []keyTick
	for _, s := range c.shards {
		s.mu.Lock()
		for key, item := range s.items {
			all = append(all, keyTick{key, item.tick})
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].tick > all[j].tick })

	keys := make([]string, len(all))
	for i, kt := range all {
		keys[i] = kt.key
	}
	return keys
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() types.CacheStats {
	entries := 0
	for _, s := range c.shards {
		s.mu.Lock()
		entries += len(s.items)
		s.mu.Unlock()
	}
	stats := types.CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Entries:    entries,
		Size:       c.size.Load(),
		PinnedSize: c.pinned.Load(),
		Capacity:   c.maxSize.Load(),
	}
	stats.ComputeRates()
	return stats
}

func (c *MemoryCache) evictTo(target int64) {
	c.evictMu.Lock()
	disposed := c.evictToLocked(target, nil)
	c.evictMu.Unlock()
	c.dispose(disposed)
	c.metrics.UpdateCacheSize(types.TierMemory, c.size.Load(), c.maxSize.Load())
}

// evictToLocked evicts unpinned entries, least recently used first, until
// the cache size is at most target. Each victim costs one look at every shard
// tail. Must hold evictMu.
func (c *MemoryCache) evictToLocked(target int64, disposed []disposal) []disposal {
	evicted := 0
	for c.size.Load() > target {
		s, tick := c.oldestTail()
		if s == nil {
			break
		}
		s.mu.Lock()
		back := s.lru.Back()
		if back == nil || back.Value.(*memoryItem).tick != tick {
			// touched since the scan
			s.mu.Unlock()
			continue
		}
		item := back.Value.(*memoryItem)
		s.unlink(item)
		c.size.Add(-item.size)
		s.mu.Unlock()

		evicted++
		disposed = append(disposed, disposal{key: item.key, value: item.value, reason: types.DisposeEvicted})
	}

	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		c.metrics.RecordEviction(types.TierMemory, evicted)
	}
	return disposed
}

// oldestTail returns the shard whose least recently used unpinned item is
// the oldest overall, or nil if nothing can be evicted.
func (c *MemoryCache) oldestTail() (*shard, uint64) {
	var (
		oldest *shard
		tick   uint64
	)
	for _, s := range c.shards {
		s.mu.Lock()
		if back := s.lru.Back(); back != nil {
			if t := back.Value.(*memoryItem).tick; oldest == nil || t < tick {
				oldest, tick = s, t
			}
		}
		s.mu.Unlock()
	}
	return oldest, tick
}

// unlink drops item from the shard. Caller holds s.mu.
func (s *shard) unlink(item *memoryItem) {
	if item.elem != nil {
		s.lru.Remove(item.elem)
		item.elem = nil
	}
	delete(s.items, item.key)
}

// relink puts an unpinned item back on the recency list at the position of
// its last use. Caller holds s.mu.
func (s *shard) relink(item *memoryItem) {
	for e := s.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(*memoryItem).tick < item.tick {
			item.elem = s.lru.InsertBefore(item, e)
			return
		}
	}
	item.elem = s.lru.PushBack(item)
}

func (c *MemoryCache) dispose(disposed []disposal) {
	if c.onDispose == nil {
		return
	}
	for _, d := range disposed {
		c.onDispose(d.key, d.value, d.reason)
	}
}
