/*
Package types holds the small set of types shared between the pixcache packages.

	┌──────────────────────────────────────────────┐
	│              pipeline.Engine                 │
	└──────────────────────────────────────────────┘
	        │                │                │
	┌───────┴──────┐ ┌───────┴──────┐ ┌───────┴──────┐
	│ cache.Memory │ │  diskcache   │ │  diskcache   │
	│   (memory)   │ │   (result)   │ │  (download)  │
	└──────────────┘ └───────┬──────┘ └───────┬──────┘
	                         └───── disklru ──┘

CacheStats and EngineStats describe tier usage. TrimLevel drives memory
trimming, from TrimModerate (keep 75% of the budget) to TrimFull (drop all
unpinned entries). CachePolicy says whether a request may read or write a
tier. MetricsCollector is implemented by internal/metrics and NopMetrics.
*/
package types
