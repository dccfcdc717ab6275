/*
Package cache provides the in-memory tier of the image cache engine.

MemoryCache holds decoded images keyed by request keys and is consulted
before either disk cache:

	┌─────────────────────────────────────────────┐
	│             pipeline.Engine                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             MemoryCache                     │  ← This Package
	│  ┌──────────┐ ┌──────────┐     ┌──────────┐ │
	│  │ shard 0  │ │ shard 1  │ ... │ shard N  │ │
	│  └──────────┘ └──────────┘     └──────────┘ │
	│      global recency tick, evictMu           │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│       diskcache (result, download)          │
	└─────────────────────────────────────────────┘

# Sharding

Keys are spread over a power-of-two number of shards by xxhash. Get and
Pin take a single shard lock. Every access stamps the entry with a value
from a global atomic tick, so eviction can pick victims in exact least
recently used order across all shards. Put and eviction are serialized by
one mutex that Get never takes.

# Budget and Pinning

The sum of entry sizes stays at or below MaxSize, except for pinned
entries. A pinned entry is in use by a caller: it is never evicted, removed,
replaced or cleared. When the last pin is released the cache evicts if it is
over budget. Put rejects values that cannot fit:

	err := mem.Put(key, img, size)
	switch {
	case errors.IsCode(err, errors.ErrCodeCapacityExceeded):
		// larger than the budget, or the budget is held by pinned entries
	case errors.IsCode(err, errors.ErrCodeEntryInUse):
		// the current value for key is pinned
	}

# Trimming

TrimToLevel responds to memory pressure independent of normal eviction:

	TrimModerate  keep 75% of the budget
	TrimLow       keep 50%
	TrimCritical  keep 25%
	TrimFull      drop every unpinned entry

MemoryCache implements types.Trimmer and is registered with a
memmon.PressureMonitor by the pipeline.

# Disposal

MemoryConfig.OnDispose is called exactly once for each entry that leaves
the cache, with the reason (evicted, removed, replaced or cleared). It runs
after all cache locks are released, so it may call back into the cache.

Example:

	mem := cache.NewMemoryCache(&cache.MemoryConfig{
		MaxSize: 256 << 20,
		OnDispose: func(key string, v any, reason types.DisposeReason) {
			releaseBitmap(v)
		},
	})

	if v, ok := mem.Get(key); ok && mem.Pin(key) {
		defer mem.Unpin(key)
		render(v)
	}
*/
package cache
