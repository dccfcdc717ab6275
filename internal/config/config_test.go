package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixcache/pixcache/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, "pixcache", cfg.Global.AppName)
	assert.True(t, cfg.MemoryCache.Enabled)
	assert.Equal(t, "64MB", cfg.MemoryCache.MaxSize)
	assert.Equal(t, "256MB", cfg.DownloadCache.MaxSize)
	assert.Equal(t, "128MB", cfg.ResultCache.MaxSize)
	assert.True(t, cfg.ResultCache.SyncOnCommit)
	assert.Equal(t, 10, cfg.Pipeline.NetworkConcurrency)
	assert.Equal(t, 4, cfg.Pipeline.DecodeConcurrency)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.False(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		field  string
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, "global.log_level"},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, "global.log_format"},
		{"bad memory size", func(c *Configuration) { c.MemoryCache.MaxSize = "lots" }, "memory_cache.max_size"},
		{"zero memory size", func(c *Configuration) { c.MemoryCache.MaxSize = "0" }, "memory_cache.max_size"},
		{"bad result size", func(c *Configuration) { c.ResultCache.MaxSize = "" }, "result_cache.max_size"},
		{"bad compression", func(c *Configuration) { c.DownloadCache.Compression = "lz4" }, "download_cache.compression"},
		{"no network workers", func(c *Configuration) { c.Pipeline.NetworkConcurrency = 0 }, "pipeline.network_concurrency"},
		{"no decode workers", func(c *Configuration) { c.Pipeline.DecodeConcurrency = -1 }, "pipeline.decode_concurrency"},
		{"no attempts", func(c *Configuration) { c.Pipeline.Retry.MaxAttempts = 0 }, "pipeline.retry.max_attempts"},
		{"base over max delay", func(c *Configuration) {
			c.Pipeline.Retry.BaseDelay = time.Minute
			c.Pipeline.Retry.MaxDelay = time.Second
		}, "pipeline.retry.base_delay"},
		{"bad policy", func(c *Configuration) { c.Pipeline.ResultPolicy = "sometimes" }, "pipeline.result_policy"},
		{"breaker without threshold", func(c *Configuration) { c.Pipeline.CircuitBreaker.FailureThreshold = 0 }, "pipeline.circuit_breaker.failure_threshold"},
		{"breaker without timeout", func(c *Configuration) { c.Pipeline.CircuitBreaker.OpenTimeout = 0 }, "pipeline.circuit_breaker.open_timeout"},
		{"health threshold order", func(c *Configuration) { c.Health.UnavailableThreshold = 1 }, "health.unavailable_threshold"},
		{"health without interval", func(c *Configuration) { c.Health.CheckInterval = 0 }, "health.check_interval"},
		{"monitor without limit", func(c *Configuration) { c.MemoryMonitor.Enabled = true }, "memory_monitor.heap_limit"},
		{"metrics without address", func(c *Configuration) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, "metrics.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateSkipsDisabledCaches(t *testing.T) {
	cfg := NewDefault()
	cfg.DownloadCache.Enabled = false
	cfg.DownloadCache.MaxSize = "garbage"
	cfg.MemoryCache.Enabled = false
	cfg.MemoryCache.MaxSize = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixcache.yaml")
	content := `
global:
  log_level: DEBUG
  cache_root: /var/cache/pix
memory_cache:
  enabled: true
  max_size: 32MB
result_cache:
  enabled: true
  max_size: 1GB
  compression: zstd
pipeline:
  network_concurrency: 20
  fetch_timeout: 5s
  result_policy: read_only
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, "/var/cache/pix", cfg.Global.CacheRoot)
	assert.Equal(t, "32MB", cfg.MemoryCache.MaxSize)
	assert.Equal(t, "1GB", cfg.ResultCache.MaxSize)
	assert.Equal(t, "zstd", cfg.ResultCache.Compression)
	assert.Equal(t, 20, cfg.Pipeline.NetworkConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.FetchTimeout)
	assert.Equal(t, "read_only", cfg.Pipeline.ResultPolicy)
	// untouched defaults survive
	assert.Equal(t, 4, cfg.Pipeline.DecodeConcurrency)
	assert.Equal(t, "256MB", cfg.DownloadCache.MaxSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global: [unclosed"), 0o600))
	err = cfg.LoadFromFile(path)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PIXCACHE_LOG_LEVEL", "WARN")
	t.Setenv("PIXCACHE_CACHE_ROOT", "/tmp/pix")
	t.Setenv("PIXCACHE_MEMORY_CACHE_SIZE", "16MB")
	t.Setenv("PIXCACHE_RESULT_CACHE_SIZE", "2GB")
	t.Setenv("PIXCACHE_DOWNLOAD_COMPRESSION", "zstd")
	t.Setenv("PIXCACHE_NETWORK_CONCURRENCY", "32")
	t.Setenv("PIXCACHE_DECODE_CONCURRENCY", "not-a-number")
	t.Setenv("PIXCACHE_FETCH_TIMEOUT", "2s")
	t.Setenv("PIXCACHE_S3_REGION", "eu-west-1")
	t.Setenv("PIXCACHE_HEAP_LIMIT", "512MB")
	t.Setenv("PIXCACHE_METRICS_ENABLED", "true")
	t.Setenv("PIXCACHE_CIRCUIT_BREAKER_ENABLED", "false")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, "/tmp/pix", cfg.Global.CacheRoot)
	assert.Equal(t, "16MB", cfg.MemoryCache.MaxSize)
	assert.Equal(t, "2GB", cfg.ResultCache.MaxSize)
	assert.Equal(t, "zstd", cfg.DownloadCache.Compression)
	assert.Equal(t, 32, cfg.Pipeline.NetworkConcurrency)
	assert.Equal(t, 4, cfg.Pipeline.DecodeConcurrency, "invalid values are ignored")
	assert.Equal(t, 2*time.Second, cfg.Pipeline.FetchTimeout)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.True(t, cfg.MemoryMonitor.Enabled)
	assert.Equal(t, "512MB", cfg.MemoryMonitor.HeapLimit)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Pipeline.CircuitBreaker.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pixcache.yaml")

	cfg := NewDefault()
	cfg.Global.CacheRoot = "/srv/cache"
	cfg.ResultCache.Compression = "zstd"
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded := &Configuration{}
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg, loaded)
}

func TestParseSize(t *testing.T) {
	n, err := ParseSize("64MB")
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), n)

	_, err = ParseSize("0")
	assert.Error(t, err)
	_, err = ParseSize("-1MB")
	assert.Error(t, err)

	assert.Equal(t, int64(1<<30), MustSize("1GB"))
	assert.Panics(t, func() { MustSize("nope") })
}
