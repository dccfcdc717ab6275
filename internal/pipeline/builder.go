package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/circuit"
	"github.com/pixcache/pixcache/internal/config"
	"github.com/pixcache/pixcache/internal/diskcache"
	"github.com/pixcache/pixcache/internal/metrics"
	"github.com/pixcache/pixcache/internal/platform"
	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/health"
	"github.com/pixcache/pixcache/pkg/memmon"
	"github.com/pixcache/pixcache/pkg/retry"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// NewFromConfig builds an engine and every cache it owns from cfg. Disk
// cache directories come from storage; a nil storage roots them under
// cfg.Global.CacheRoot, or the user cache directory when that is empty.
// A nil logger is built from the global log settings.
func NewFromConfig(ctx context.Context, cfg *config.Configuration, storage platform.Storage, logger *utils.StructuredLogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	var logClose func() error
	if logger == nil {
		var err error
		logger, logClose, err = loggerFromConfig(cfg.Global)
		if err != nil {
			return nil, err
		}
		if logClose != nil {
			closers = append(closers, logClose)
		}
	}

	if storage == nil {
		if cfg.Global.CacheRoot != "" {
			storage = platform.DirStorage{Root: cfg.Global.CacheRoot}
		} else {
			storage = platform.NewOSStorage(cfg.Global.AppName)
		}
	}

	var collector types.MetricsCollector = types.NopMetrics{}
	var metricsCollector *metrics.Collector
	if cfg.Metrics.Enabled {
		mc, err := metrics.NewCollector(&metrics.Config{
			Enabled:     true,
			Address:     cfg.Metrics.Address,
			Namespace:   cfg.Metrics.Namespace,
			GoCollector: true,
			Logger:      logger,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := mc.Start(ctx); err != nil {
			cleanup()
			return nil, err
		}
		metricsCollector = mc
		collector = mc
		closers = append(closers, func() error { return mc.Stop(context.Background()) })
	}

	opts := Options{
		NetworkConcurrency: cfg.Pipeline.NetworkConcurrency,
		DecodeConcurrency:  cfg.Pipeline.DecodeConcurrency,
		FetchTimeout:       cfg.Pipeline.FetchTimeout,
		Retry:              retryConfig(cfg.Pipeline.Retry),
		Logger:             logger,
		Metrics:            collector,
	}

	policies := policiesFromConfig(cfg.Pipeline)
	opts.Policies = &policies

	if cb := cfg.Pipeline.CircuitBreaker; cb.Enabled {
		breakerLog := logger.WithComponent("circuit")
		opts.Breakers = circuit.NewSet(circuit.Config{
			FailureThreshold: uint32(cb.FailureThreshold),
			OpenTimeout:      cb.OpenTimeout,
			HalfOpenRequests: uint32(cb.HalfOpenRequests),
			OnStateChange: func(origin string, from, to circuit.State) {
				breakerLog.Warn("Origin circuit changed state", map[string]interface{}{
					"origin": origin,
					"from":   from.String(),
					"to":     to.String(),
				})
			},
		})
	}

	fetchers := DefaultFetchers(cfg.Pipeline.UserAgent, cfg.Pipeline.FetchTimeout)
	fetchers["s3"] = NewS3FetcherFromConfig(cfg.S3)
	opts.Fetchers = fetchers

	if cfg.MemoryCache.Enabled {
		opts.Memory = cache.NewMemoryCache(&cache.MemoryConfig{
			MaxSize: config.MustSize(cfg.MemoryCache.MaxSize),
			Shards:  cfg.MemoryCache.Shards,
			Logger:  logger,
			Metrics: collector,
		})
	}

	// one coordinator so that both caches and any shared directory see the
	// same in-flight producers
	coord := diskcache.NewCoordinator()
	var err error
	if cfg.DownloadCache.Enabled {
		opts.Download, err = openDiskCache(diskcache.Download, cfg.DownloadCache, storage, coord, logger, collector)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, opts.Download.Close)
	}
	if cfg.ResultCache.Enabled {
		opts.Result, err = openDiskCache(diskcache.Result, cfg.ResultCache, storage, coord, logger, collector)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, opts.Result.Close)
	}

	if h := cfg.Health; h.Enabled && (opts.Result != nil || opts.Download != nil) {
		tracker := health.NewTracker(health.TrackerConfig{
			ErrorThreshold:       h.ErrorThreshold,
			UnavailableThreshold: h.UnavailableThreshold,
			RecoveryThreshold:    h.RecoveryThreshold,
			HealthCheckInterval:  h.CheckInterval,
		})
		healthLog := logger.WithComponent("health")
		tracker.OnStateChange(func(component string, oldState, newState health.HealthState, err error) {
			fields := map[string]interface{}{
				"tier": component,
				"from": oldState.String(),
				"to":   newState.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			if newState == health.StateHealthy {
				healthLog.Info("Cache tier recovered", fields)
			} else {
				healthLog.Warn("Cache tier health changed", fields)
			}
		})
		opts.Health = tracker
	}

	if cfg.MemoryMonitor.Enabled && opts.Memory != nil {
		monCfg := memmon.DefaultMonitorConfig()
		monCfg.HeapLimit = uint64(config.MustSize(cfg.MemoryMonitor.HeapLimit))
		if cfg.MemoryMonitor.SampleInterval > 0 {
			monCfg.SampleInterval = cfg.MemoryMonitor.SampleInterval
		}
		if cfg.MemoryMonitor.Cooldown > 0 {
			monCfg.Cooldown = cfg.MemoryMonitor.Cooldown
		}
		monCfg.Logger = logger
		opts.Monitor = memmon.NewPressureMonitor(monCfg)
	}

	e, err := New(opts)
	if err != nil {
		cleanup()
		return nil, err
	}
	e.collector = metricsCollector
	if metricsCollector != nil {
		metricsCollector.SetHealthFunc(e.healthReport)
	}
	if logClose != nil {
		e.closers = append(e.closers, logClose)
	}

	e.logger.Info("Engine started", map[string]interface{}{
		"memory":   cfg.MemoryCache.Enabled,
		"result":   cfg.ResultCache.Enabled,
		"download": cfg.DownloadCache.Enabled,
		"metrics":  cfg.Metrics.Enabled,
	})
	return e, nil
}

// Reconfigure applies new budgets, policies, concurrency limits, fetch
// timeout and retry settings. Tiers cannot be enabled or disabled on a
// running engine; cache directories, compression and the metrics endpoint
// are also fixed. Requests already running keep their old settings.
func (e *Engine) Reconfigure(cfg *config.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if e.closed.Load() {
		return errors.NewError(errors.ErrCodeStoreClosed, "engine is shut down").
			WithComponent("pipeline").WithOperation("reconfigure")
	}

	if e.memory != nil && cfg.MemoryCache.Enabled {
		e.memory.SetMaxSize(config.MustSize(cfg.MemoryCache.MaxSize))
	}
	if e.result != nil && cfg.ResultCache.Enabled {
		e.result.SetMaxSize(config.MustSize(cfg.ResultCache.MaxSize))
	}
	if e.download != nil && cfg.DownloadCache.Enabled {
		e.download.SetMaxSize(config.MustSize(cfg.DownloadCache.MaxSize))
	}

	old := e.settings.Load()
	next := newSettings(policiesFromConfig(cfg.Pipeline),
		cfg.Pipeline.NetworkConcurrency, cfg.Pipeline.DecodeConcurrency,
		cfg.Pipeline.FetchTimeout, retryConfig(cfg.Pipeline.Retry), e.logger)
	// keep the semaphores when their size is unchanged so running and new
	// requests share the same limit
	if next.networkSize == old.networkSize {
		next.network = old.network
	}
	if next.decodeSize == old.decodeSize {
		next.decode = old.decode
	}
	e.settings.Store(next)

	e.logger.Info("Engine reconfigured", map[string]interface{}{
		"memory_max":          cfg.MemoryCache.MaxSize,
		"result_max":          cfg.ResultCache.MaxSize,
		"download_max":        cfg.DownloadCache.MaxSize,
		"network_concurrency": next.networkSize,
		"decode_concurrency":  next.decodeSize,
	})
	return nil
}

func openDiskCache(typ diskcache.Type, dc config.DiskCacheConfig, storage platform.Storage, coord *diskcache.Coordinator,
	logger *utils.StructuredLogger, collector types.MetricsCollector) (*diskcache.Cache, error) {
	dir := dc.Directory
	if dir == "" {
		var err error
		dir, err = storage.ResolveCacheDir(typ)
		if err != nil {
			return nil, err
		}
	}

	serializer := storage.DefaultSerializer(typ)
	switch strings.ToLower(dc.Compression) {
	case "zstd":
		serializer = diskcache.ZstdSerializer{}
	case "none":
		serializer = diskcache.IdentitySerializer{}
	}

	return diskcache.Open(typ, diskcache.Options{
		Dir:              dir,
		MaxSize:          config.MustSize(dc.MaxSize),
		CompactThreshold: dc.CompactThreshold,
		NoSync:           !dc.SyncOnCommit,
		Serializer:       serializer,
		Coordinator:      coord,
		Logger:           logger,
		Metrics:          collector,
	})
}

func policiesFromConfig(pc config.PipelineConfig) Policies {
	// Validate has already rejected unknown names
	memory, _ := types.ParseCachePolicy(pc.MemoryPolicy)
	result, _ := types.ParseCachePolicy(pc.ResultPolicy)
	download, _ := types.ParseCachePolicy(pc.DownloadPolicy)
	return Policies{Memory: memory, Result: result, Download: download}
}

func retryConfig(rc config.RetryConfig) retry.Config {
	c := retry.DefaultConfig()
	c.MaxAttempts = rc.MaxAttempts
	c.InitialDelay = rc.BaseDelay
	c.MaxDelay = rc.MaxDelay
	return c
}

func loggerFromConfig(g config.GlobalConfig) (*utils.StructuredLogger, func() error, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid log level", err).WithComponent("pipeline")
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = utils.ParseLogFormat(g.LogFormat)

	var closeFn func() error
	if g.LogFile != "" {
		if err := utils.EnsureDir(filepath.Dir(g.LogFile)); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeIO, "failed to open log file", err).
				WithComponent("pipeline").WithContext("path", g.LogFile)
		}
		lc.Output = f
		closeFn = f.Close
	}

	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		if closeFn != nil {
			_ = closeFn()
		}
		return nil, nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create logger", err).WithComponent("pipeline")
	}
	return logger, closeFn, nil
}
