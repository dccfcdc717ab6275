package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global        GlobalConfig        `yaml:"global"`
	MemoryCache   MemoryCacheConfig   `yaml:"memory_cache"`
	DownloadCache DiskCacheConfig     `yaml:"download_cache"`
	ResultCache   DiskCacheConfig     `yaml:"result_cache"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	S3            S3Config            `yaml:"s3"`
	MemoryMonitor MemoryMonitorConfig `yaml:"memory_monitor"`
	Health        HealthConfig        `yaml:"health"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	// CacheRoot holds the disk caches. Empty means the user cache
	// directory of the host.
	CacheRoot string `yaml:"cache_root"`
	AppName   string `yaml:"app_name"`
}

// MemoryCacheConfig represents memory cache settings
type MemoryCacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	MaxSize string `yaml:"max_size"`
	Shards  int    `yaml:"shards"`
}

// DiskCacheConfig represents result or download cache settings
type DiskCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Directory overrides <cache_root>/<type>.
	Directory        string `yaml:"directory"`
	MaxSize          string `yaml:"max_size"`
	Compression      string `yaml:"compression"`
	CompactThreshold int    `yaml:"compact_threshold"`
	SyncOnCommit     bool   `yaml:"sync_on_commit"`
}

// PipelineConfig represents request pipeline settings
type PipelineConfig struct {
	NetworkConcurrency int           `yaml:"network_concurrency"`
	DecodeConcurrency  int           `yaml:"decode_concurrency"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	UserAgent          string        `yaml:"user_agent"`
	Retry              RetryConfig   `yaml:"retry"`
	MemoryPolicy       string        `yaml:"memory_policy"`
	ResultPolicy       string        `yaml:"result_policy"`
	DownloadPolicy     string        `yaml:"download_policy"`
	CircuitBreaker     CircuitConfig `yaml:"circuit_breaker"`
}

// CircuitConfig represents per-origin circuit breaker settings
type CircuitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// RetryConfig represents fetch retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// S3Config represents settings for s3:// sources
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Profile         string `yaml:"profile"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MemoryMonitorConfig represents heap pressure monitoring settings
type MemoryMonitorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	HeapLimit      string        `yaml:"heap_limit"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// HealthConfig represents disk tier health tracking settings
type HealthConfig struct {
	Enabled              bool          `yaml:"enabled"`
	ErrorThreshold       int           `yaml:"error_threshold"`
	UnavailableThreshold int           `yaml:"unavailable_threshold"`
	RecoveryThreshold    int           `yaml:"recovery_threshold"`
	CheckInterval        time.Duration `yaml:"check_interval"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			AppName:   "pixcache",
		},
		MemoryCache: MemoryCacheConfig{
			Enabled: true,
			MaxSize: "64MB",
			Shards:  16,
		},
		DownloadCache: DiskCacheConfig{
			Enabled:      true,
			MaxSize:      "256MB",
			Compression:  "none",
			SyncOnCommit: true,
		},
		ResultCache: DiskCacheConfig{
			Enabled:      true,
			MaxSize:      "128MB",
			Compression:  "none",
			SyncOnCommit: true,
		},
		Pipeline: PipelineConfig{
			NetworkConcurrency: 10,
			DecodeConcurrency:  4,
			FetchTimeout:       30 * time.Second,
			UserAgent:          "pixcache/1.0",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			MemoryPolicy:   "enabled",
			ResultPolicy:   "enabled",
			DownloadPolicy: "enabled",
			CircuitBreaker: CircuitConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		MemoryMonitor: MemoryMonitorConfig{
			Enabled:        false,
			SampleInterval: 10 * time.Second,
			Cooldown:       30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:              true,
			ErrorThreshold:       3,
			UnavailableThreshold: 10,
			RecoveryThreshold:    2,
			CheckInterval:        30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9090",
			Namespace: "pixcache",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from PIXCACHE_* environment variables.
// Values that do not parse are ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("PIXCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PIXCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("PIXCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("PIXCACHE_CACHE_ROOT"); val != "" {
		c.Global.CacheRoot = val
	}

	// Cache sizes
	if val := os.Getenv("PIXCACHE_MEMORY_CACHE_SIZE"); val != "" {
		c.MemoryCache.MaxSize = val
	}
	if val := os.Getenv("PIXCACHE_DOWNLOAD_CACHE_SIZE"); val != "" {
		c.DownloadCache.MaxSize = val
	}
	if val := os.Getenv("PIXCACHE_RESULT_CACHE_SIZE"); val != "" {
		c.ResultCache.MaxSize = val
	}
	if val := os.Getenv("PIXCACHE_DOWNLOAD_COMPRESSION"); val != "" {
		c.DownloadCache.Compression = val
	}

	// Pipeline settings
	if val := os.Getenv("PIXCACHE_NETWORK_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pipeline.NetworkConcurrency = n
		}
	}
	if val := os.Getenv("PIXCACHE_DECODE_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pipeline.DecodeConcurrency = n
		}
	}
	if val := os.Getenv("PIXCACHE_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pipeline.FetchTimeout = d
		}
	}
	if val := os.Getenv("PIXCACHE_USER_AGENT"); val != "" {
		c.Pipeline.UserAgent = val
	}
	if val := os.Getenv("PIXCACHE_CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Pipeline.CircuitBreaker.Enabled = b
		}
	}

	// S3
	if val := os.Getenv("PIXCACHE_S3_REGION"); val != "" {
		c.S3.Region = val
	}
	if val := os.Getenv("PIXCACHE_S3_ENDPOINT"); val != "" {
		c.S3.Endpoint = val
	}
	if val := os.Getenv("PIXCACHE_S3_PROFILE"); val != "" {
		c.S3.Profile = val
	}

	// Monitoring
	if val := os.Getenv("PIXCACHE_HEAP_LIMIT"); val != "" {
		c.MemoryMonitor.HeapLimit = val
		c.MemoryMonitor.Enabled = true
	}
	if val := os.Getenv("PIXCACHE_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("PIXCACHE_METRICS_ADDRESS"); val != "" {
		c.Metrics.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to marshal config", err).
			WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to create config directory", err).
			WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to write config file", err).
			WithComponent("config").WithContext("file", filename)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", err.Error())
	}
	if f := strings.ToLower(c.Global.LogFormat); f != "" && f != "text" && f != "json" {
		return invalid("global.log_format", fmt.Sprintf("unknown format %q (must be text or json)", c.Global.LogFormat))
	}

	if c.MemoryCache.Enabled {
		if _, err := ParseSize(c.MemoryCache.MaxSize); err != nil {
			return invalid("memory_cache.max_size", err.Error())
		}
		if c.MemoryCache.Shards < 0 {
			return invalid("memory_cache.shards", "must not be negative")
		}
	}

	for name, dc := range map[string]DiskCacheConfig{"download_cache": c.DownloadCache, "result_cache": c.ResultCache} {
		if !dc.Enabled {
			continue
		}
		if _, err := ParseSize(dc.MaxSize); err != nil {
			return invalid(name+".max_size", err.Error())
		}
		switch strings.ToLower(dc.Compression) {
		case "", "none", "zstd":
		default:
			return invalid(name+".compression", fmt.Sprintf("unknown compression %q (must be none or zstd)", dc.Compression))
		}
		if dc.CompactThreshold < 0 {
			return invalid(name+".compact_threshold", "must not be negative")
		}
	}

	p := c.Pipeline
	if p.NetworkConcurrency <= 0 {
		return invalid("pipeline.network_concurrency", "must be greater than 0")
	}
	if p.DecodeConcurrency <= 0 {
		return invalid("pipeline.decode_concurrency", "must be greater than 0")
	}
	if p.FetchTimeout < 0 {
		return invalid("pipeline.fetch_timeout", "must not be negative")
	}
	if p.Retry.MaxAttempts <= 0 {
		return invalid("pipeline.retry.max_attempts", "must be greater than 0")
	}
	if p.Retry.MaxDelay > 0 && p.Retry.BaseDelay > p.Retry.MaxDelay {
		return invalid("pipeline.retry.base_delay", "must not exceed max_delay")
	}
	for name, policy := range map[string]string{
		"pipeline.memory_policy":   p.MemoryPolicy,
		"pipeline.result_policy":   p.ResultPolicy,
		"pipeline.download_policy": p.DownloadPolicy,
	} {
		if _, err := types.ParseCachePolicy(policy); err != nil {
			return invalid(name, err.Error())
		}
	}

	if cb := p.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return invalid("pipeline.circuit_breaker.failure_threshold", "must be greater than 0")
		}
		if cb.OpenTimeout <= 0 {
			return invalid("pipeline.circuit_breaker.open_timeout", "must be greater than 0")
		}
		if cb.HalfOpenRequests < 0 {
			return invalid("pipeline.circuit_breaker.half_open_requests", "must not be negative")
		}
	}

	if c.MemoryMonitor.Enabled {
		if _, err := ParseSize(c.MemoryMonitor.HeapLimit); err != nil {
			return invalid("memory_monitor.heap_limit", err.Error())
		}
		if c.MemoryMonitor.SampleInterval <= 0 {
			return invalid("memory_monitor.sample_interval", "must be greater than 0")
		}
	}

	if h := c.Health; h.Enabled {
		if h.ErrorThreshold <= 0 {
			return invalid("health.error_threshold", "must be greater than 0")
		}
		if h.UnavailableThreshold < h.ErrorThreshold {
			return invalid("health.unavailable_threshold", "must not be below error_threshold")
		}
		if h.CheckInterval <= 0 {
			return invalid("health.check_interval", "must be greater than 0")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address", "required when metrics are enabled")
	}

	return nil
}

// ParseSize parses a human readable size such as "64MB" or "1.5GiB".
// Units are binary. The result must be positive.
func ParseSize(s string) (int64, error) {
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be greater than 0: %q", s)
	}
	return n, nil
}

// MustSize is ParseSize for values already checked by Validate.
func MustSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}

func invalid(field, msg string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, field+": "+msg).
		WithComponent("config").WithOperation("validate").WithContext("field", field)
}
