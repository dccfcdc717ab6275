/*
Package config provides configuration management for the pixcache engine.

Configuration is assembled from three sources, later ones winning:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│            (PIXCACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│           (NewDefault)                      │
	└─────────────────────────────────────────────┘

Sizes are human readable strings with binary units ("64MB", "1.5GiB") and
are parsed with ParseSize once Validate has accepted them.

# Sections

	global          log level and format, cache root, app name
	memory_cache    decoded image cache budget and shard count
	download_cache  raw source bytes on disk
	result_cache    transformed images on disk
	pipeline        concurrency, fetch timeout, retry, per-tier policies, origin circuit breaker
	s3              region, endpoint and credentials for s3:// sources
	memory_monitor  heap limit that drives memory cache trimming
	health          error thresholds that make failing disk tiers read-only or bypassed
	metrics         Prometheus endpoint

# Example

	global:
	  log_level: INFO
	  cache_root: /var/cache/pixcache
	memory_cache:
	  enabled: true
	  max_size: 128MB
	download_cache:
	  enabled: true
	  max_size: 1GB
	  compression: zstd
	result_cache:
	  enabled: true
	  max_size: 512MB
	pipeline:
	  network_concurrency: 10
	  decode_concurrency: 4
	  fetch_timeout: 30s
	  retry:
	    max_attempts: 3
	    base_delay: 200ms
	    max_delay: 5s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    open_timeout: 30s
	health:
	  enabled: true
	  error_threshold: 3
	  unavailable_threshold: 10
	metrics:
	  enabled: true
	  address: ":9090"

Loading:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Environment Variables

	PIXCACHE_LOG_LEVEL                global.log_level
	PIXCACHE_LOG_FORMAT               global.log_format
	PIXCACHE_LOG_FILE                 global.log_file
	PIXCACHE_CACHE_ROOT               global.cache_root
	PIXCACHE_MEMORY_CACHE_SIZE        memory_cache.max_size
	PIXCACHE_DOWNLOAD_CACHE_SIZE      download_cache.max_size
	PIXCACHE_RESULT_CACHE_SIZE        result_cache.max_size
	PIXCACHE_DOWNLOAD_COMPRESSION     download_cache.compression
	PIXCACHE_NETWORK_CONCURRENCY      pipeline.network_concurrency
	PIXCACHE_DECODE_CONCURRENCY       pipeline.decode_concurrency
	PIXCACHE_FETCH_TIMEOUT            pipeline.fetch_timeout
	PIXCACHE_USER_AGENT               pipeline.user_agent
	PIXCACHE_CIRCUIT_BREAKER_ENABLED  pipeline.circuit_breaker.enabled
	PIXCACHE_S3_REGION                s3.region
	PIXCACHE_S3_ENDPOINT              s3.endpoint
	PIXCACHE_S3_PROFILE               s3.profile
	PIXCACHE_HEAP_LIMIT               memory_monitor.heap_limit (enables the monitor)
	PIXCACHE_METRICS_ENABLED          metrics.enabled
	PIXCACHE_METRICS_ADDRESS          metrics.address
*/
package config
