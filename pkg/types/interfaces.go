package types

import (
	"time"
)

// MemoryCache defines the in-memory image cache interface
type MemoryCache interface {
	Get(key string) (any, bool)
	Put(key string, value any, size int64) error
	Remove(key string) bool
	Pin(key string) bool
	Unpin(key string) bool
	TrimToLevel(level TrimLevel)
	Clear()
	Size() int64
	MaxSize() int64
	SetMaxSize(size int64)
	Stats() CacheStats
}

// Trimmer is anything that can release memory on request.
type Trimmer interface {
	TrimToLevel(level TrimLevel)
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(tier Tier, size int64)
	RecordCacheMiss(tier Tier)
	RecordEviction(tier Tier, count int)
	RecordJournalRebuild(tier Tier, reason string)
	UpdateCacheSize(tier Tier, size, capacity int64)
	RecordError(operation string, err error)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(Tier, int64)                         {}
func (NopMetrics) RecordCacheMiss(Tier)                               {}
func (NopMetrics) RecordEviction(Tier, int)                           {}
func (NopMetrics) RecordJournalRebuild(Tier, string)                  {}
func (NopMetrics) UpdateCacheSize(Tier, int64, int64)                 {}
func (NopMetrics) RecordError(string, error)                          {}
