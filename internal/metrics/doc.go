/*
Package metrics exports pixcache cache and pipeline metrics to Prometheus.

Collector implements types.MetricsCollector. Every cache tier and the
request pipeline report through that interface, so a disabled collector or
types.NopMetrics can be swapped in without touching callers.

	┌─────────────┐
	│  Collector  │  ← types.MetricsCollector
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Histograms │         └───────────────────┘
	│ - Gauges     │
	└──────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9090",
		Namespace: "pixcache",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported Series

	<ns>_operations_total{operation,status}
	<ns>_operation_duration_seconds{operation}
	<ns>_operation_size_bytes{operation}
	<ns>_cache_requests_total{tier,result}      result is hit or miss
	<ns>_cache_hit_bytes_total{tier}
	<ns>_cache_size_bytes{tier}
	<ns>_cache_capacity_bytes{tier}
	<ns>_cache_evictions_total{tier}
	<ns>_journal_rebuilds_total{tier,reason}   truncated_tail, header_mismatch,
	                                           corrupt_journal, compaction
	<ns>_errors_total{operation,code}          code is the CacheError code

Tiers are memory, result and download.

Each collector owns its registry, so several engines in one process do not
collide and tests can inspect values with prometheus/testutil.
*/
package metrics
