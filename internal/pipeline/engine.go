package pipeline

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/cachekey"
	"github.com/pixcache/pixcache/internal/circuit"
	"github.com/pixcache/pixcache/internal/diskcache"
	"github.com/pixcache/pixcache/internal/metrics"
	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/health"
	"github.com/pixcache/pixcache/pkg/memmon"
	"github.com/pixcache/pixcache/pkg/retry"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

const (
	DefaultNetworkConcurrency = 10
	DefaultDecodeConcurrency  = 4
	DefaultFetchTimeout       = 30 * time.Second
)

// Options wires an Engine. Nil caches disable their tier.
type Options struct {
	Memory   *cache.MemoryCache
	Result   *diskcache.Cache
	Download *diskcache.Cache

	// Fetchers by URI scheme. Nil registers http, https, file and data.
	Fetchers Fetchers
	// Decoder defaults to PassthroughDecoder.
	Decoder Decoder

	NetworkConcurrency int
	DecodeConcurrency  int
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
	Retry        retry.Config
	// Policies are the defaults for requests that carry none.
	Policies *Policies

	// Breakers, when set, stop fetching from origins that keep failing.
	Breakers *circuit.Set

	// Health, when set, tracks disk tier failures. Tiers whose writes keep
	// failing become read-only and tiers that keep failing are bypassed
	// until a probe of their directory succeeds.
	Health *health.Tracker

	// Monitor, when set, is started by New, trims the memory cache and is
	// stopped by Shutdown.
	Monitor *memmon.PressureMonitor

	Logger  *utils.StructuredLogger
	Metrics types.MetricsCollector
}

// settings are the parts of an Engine that Reconfigure swaps as a unit.
type settings struct {
	policies     Policies
	network      *semaphore.Weighted
	networkSize  int
	decode       *semaphore.Weighted
	decodeSize   int
	fetchTimeout time.Duration
	retryer      *retry.Retryer
}

// Engine runs image requests through the memory, result and download
// caches. It owns the caches it was built with; Shutdown closes them.
type Engine struct {
	memory   *cache.MemoryCache
	result   *diskcache.Cache
	download *diskcache.Cache
	fetchers Fetchers
	decoder  Decoder

	settings atomic.Pointer[settings]
	group    singleflight.Group
	breakers *circuit.Set

	monitor   *memmon.PressureMonitor
	collector *metrics.Collector

	health       *health.Tracker
	healthCancel context.CancelFunc
	healthDone   chan struct{}

	closers []func() error

	logger  *utils.StructuredLogger
	metrics types.MetricsCollector

	shutdownOnce sync.Once
	closed       atomic.Bool
}

// New creates an engine from already opened caches.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = types.NopMetrics{}
	}
	fetchers := opts.Fetchers
	if fetchers == nil {
		fetchers = DefaultFetchers("", DefaultFetchTimeout)
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = PassthroughDecoder{}
	}

	e := &Engine{
		memory:   opts.Memory,
		result:   opts.Result,
		download: opts.Download,
		fetchers: fetchers,
		decoder:  decoder,
		breakers: opts.Breakers,
		health:   opts.Health,
		monitor:  opts.Monitor,
		logger:   logger.WithComponent("pipeline"),
		metrics:  collector,
	}

	policies := DefaultPolicies()
	if opts.Policies != nil {
		policies = *opts.Policies
	}
	e.settings.Store(newSettings(policies, opts.NetworkConcurrency, opts.DecodeConcurrency, opts.FetchTimeout, opts.Retry, e.logger))

	if e.health != nil {
		if e.result != nil {
			e.health.Register(string(types.TierResult))
		}
		if e.download != nil {
			e.health.Register(string(types.TierDownload))
		}
		ctx, cancel := context.WithCancel(context.Background())
		e.healthCancel = cancel
		e.healthDone = make(chan struct{})
		go func() {
			defer close(e.healthDone)
			e.health.StartHealthChecks(ctx, e.probeTier)
		}()
	}

	if e.monitor != nil {
		if e.memory != nil {
			e.monitor.Register(string(types.TierMemory), e.memory)
		}
		if err := e.monitor.Start(context.Background()); err != nil {
			e.stopHealthChecks()
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to start memory monitor", err).
				WithComponent("pipeline")
		}
	}

	return e, nil
}

func newSettings(policies Policies, network, decode int, fetchTimeout time.Duration, rc retry.Config, logger *utils.StructuredLogger) *settings {
	if network <= 0 {
		network = DefaultNetworkConcurrency
	}
	if decode <= 0 {
		decode = DefaultDecodeConcurrency
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("Retrying fetch", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		}
	}
	return &settings{
		policies:     policies,
		network:      semaphore.NewWeighted(int64(network)),
		networkSize:  network,
		decode:       semaphore.NewWeighted(int64(decode)),
		decodeSize:   decode,
		fetchTimeout: fetchTimeout,
		retryer:      retry.New(rc),
	}
}

// DefaultFetchers registers http, https, file and data fetchers.
func DefaultFetchers(userAgent string, timeout time.Duration) Fetchers {
	httpFetcher := NewHTTPFetcher(userAgent, timeout)
	return Fetchers{
		"http":  httpFetcher,
		"https": httpFetcher,
		"file":  FileFetcher{},
		"data":  DataFetcher{},
	}
}

// Memory returns the memory cache, or nil if the tier is disabled.
func (e *Engine) Memory() *cache.MemoryCache {
	return e.memory
}

// ResultCache returns the result cache, or nil if the tier is disabled.
func (e *Engine) ResultCache() *diskcache.Cache {
	return e.result
}

// DownloadCache returns the download cache, or nil if the tier is disabled.
func (e *Engine) DownloadCache() *diskcache.Cache {
	return e.download
}

// Load fetches uri with no resize or transformations.
func (e *Engine) Load(ctx context.Context, uri string) (*Image, error) {
	res, err := e.Execute(ctx, Request{URI: uri})
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}

// Execute returns the image for req, consulting the memory cache, then
// the result cache, then the download cache and fetcher, and writes the
// decoded result back. Cache failures never fail the request; only fetch,
// decode and cancellation errors are returned. Concurrent requests for the
// same key share one load.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if e.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeStoreClosed, "engine is shut down").
			WithComponent("pipeline").WithOperation("execute")
	}

	start := time.Now()
	key, err := req.CacheKey()
	if err != nil {
		return nil, err
	}

	s := e.settings.Load()
	pol := s.policies
	if req.Policies != nil {
		pol = *req.Policies
	}

	if img := e.memoryGet(key, pol.Memory); img != nil {
		e.metrics.RecordOperation("execute", time.Since(start), img.Size(), true)
		return &Result{Image: img, Key: key, Source: SourceMemory}, nil
	}

	flightKey := key + "\x00" + pol.Memory.String() + "/" + pol.Result.String() + "/" + pol.Download.String()
	v, err, shared := e.share(ctx, flightKey, func(ctx context.Context) (any, error) {
		return e.load(ctx, s, &req, key, pol)
	})
	if err != nil {
		e.metrics.RecordOperation("execute", time.Since(start), 0, false)
		e.metrics.RecordError("execute", err)
		return nil, err
	}

	res := v.(*Result)
	if shared {
		copied := *res
		res = &copied
	}
	e.metrics.RecordOperation("execute", time.Since(start), res.Image.Size(), true)
	return res, nil
}

// abandonedFlight marks a load that failed because the context of the caller
// running it ended.
type abandonedFlight struct {
	err error
}

func (a *abandonedFlight) Error() string { return a.err.Error() }
func (a *abandonedFlight) Unwrap() error { return a.err }

// share runs fn once per flight key. A caller stops waiting when its own
// context ends. A flight cut short by another caller's context is started
// again for callers that are still waiting.
func (e *Engine) share(ctx context.Context, flightKey string, fn func(context.Context) (any, error)) (any, error, bool) {
	for {
		ch := e.group.DoChan(flightKey, func() (any, error) {
			v, err := fn(ctx)
			if err != nil && ctx.Err() != nil {
				return nil, &abandonedFlight{err: err}
			}
			return v, err
		})

		var r singleflight.Result
		select {
		case r = <-ch:
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "execute canceled", ctx.Err()).
				WithComponent("pipeline").WithOperation("execute"), false
		}

		var gone *abandonedFlight
		if stderrors.As(r.Err, &gone) {
			if ctx.Err() == nil {
				continue
			}
			r.Err = gone.err
		}
		return r.Val, r.Err, r.Shared
	}
}

// Prefetch loads every request concurrently to warm the caches. It waits
// for all of them and returns the first error.
func (e *Engine) Prefetch(ctx context.Context, reqs ...Request) error {
	var g errgroup.Group
	g.SetLimit(e.settings.Load().networkSize)
	for _, req := range reqs {
		g.Go(func() error {
			_, err := e.Execute(ctx, req)
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) load(ctx context.Context, s *settings, req *Request, key string, pol Policies) (*Result, error) {
	// a flight that just finished may have stored it
	if img := e.memoryGet(key, pol.Memory); img != nil {
		return &Result{Image: img, Key: key, Source: SourceMemory}, nil
	}

	pol.Result = e.tierPolicy(types.TierResult, pol.Result)
	pol.Download = e.tierPolicy(types.TierDownload, pol.Download)

	var resultEd *diskcache.Editor
	if e.result != nil && req.transformed() {
		img, ed, err := e.openResult(ctx, key, pol.Result)
		if err != nil {
			return nil, err
		}
		if img != nil {
			e.memoryPut(key, img, pol.Memory)
			return &Result{Image: img, Key: key, Source: SourceResultCache}, nil
		}
		if ed != nil {
			resultEd = ed
			defer ed.AbortUnlessCommitted()
		}
	}

	data, fetched, source, err := e.fetch(ctx, s, req, pol.Download)
	if err != nil {
		return nil, err
	}

	img, err := e.decodeImage(ctx, s, data, fetched.MimeType, req)
	if err != nil {
		return nil, err
	}

	if resultEd == nil && e.result != nil && req.transformed() && pol.Result == types.PolicyWriteOnly {
		ed, err := e.result.Edit(key)
		if err != nil {
			e.logger.Debug("Result cache busy, not storing", map[string]interface{}{"key": key, "error": err.Error()})
		} else {
			resultEd = ed
			defer ed.AbortUnlessCommitted()
		}
	}
	if resultEd != nil {
		e.storeResult(resultEd, img, req)
	}

	e.memoryPut(key, img, pol.Memory)
	return &Result{Image: img, Key: key, Source: source}, nil
}

func (e *Engine) memoryGet(key string, policy types.CachePolicy) *Image {
	if e.memory == nil || !policy.ReadEnabled() {
		return nil
	}
	v, ok := e.memory.Get(key)
	if !ok {
		return nil
	}
	img, _ := v.(*Image)
	return img
}

func (e *Engine) memoryPut(key string, img *Image, policy types.CachePolicy) {
	if e.memory == nil || !policy.WriteEnabled() {
		return
	}
	if err := e.memory.Put(key, img, img.Size()); err != nil {
		e.logger.Debug("Not cached in memory", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// openResult returns the cached result, or the editor that must produce it
// when the policy allows writing. Only cancellation is returned as an error.
func (e *Engine) openResult(ctx context.Context, key string, policy types.CachePolicy) (*Image, *diskcache.Editor, error) {
	var snap *diskcache.Snapshot
	var ed *diskcache.Editor

	switch {
	case policy.ReadEnabled() && policy.WriteEnabled():
		var err error
		snap, ed, err = e.result.OpenSnapshotOrEdit(ctx, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeOperationCanceled) {
				return nil, nil, err
			}
			e.logger.Warn("Result cache unavailable", map[string]interface{}{"key": key, "error": err.Error()})
			e.recordTier(types.TierResult, health.OpRead, err)
			return nil, nil, nil
		}
	case policy.ReadEnabled():
		snap = e.result.Get(key)
	}

	if snap == nil {
		return nil, ed, nil
	}
	defer func() { _ = snap.Close() }()

	data, err := snap.Bytes()
	if err != nil {
		e.logger.Warn("Unreadable result cache entry, decoding again", map[string]interface{}{"key": key, "error": err.Error()})
		e.recordTier(types.TierResult, health.OpRead, err)
		return nil, nil, nil
	}
	e.recordTier(types.TierResult, health.OpRead, nil)
	meta := snap.Metadata()
	return &Image{Data: data, MimeType: meta.MimeType, Width: meta.Width, Height: meta.Height}, nil, nil
}

func (e *Engine) storeResult(ed *diskcache.Editor, img *Image, req *Request) {
	ed.SetMetadata(diskcache.Metadata{
		MimeType:        img.MimeType,
		Width:           img.Width,
		Height:          img.Height,
		Transformations: req.transformationKeys(),
	})
	if err := ed.Write(img.Data); err != nil {
		e.logger.Warn("Failed to write result cache entry", map[string]interface{}{"key": ed.Key(), "error": err.Error()})
		e.recordTier(types.TierResult, health.OpWrite, err)
		return
	}
	err := ed.Commit()
	if err != nil {
		e.logger.Warn("Failed to commit result cache entry", map[string]interface{}{"key": ed.Key(), "error": err.Error()})
	}
	e.recordTier(types.TierResult, health.OpWrite, err)
}

// fetch returns the source bytes, going through the download cache for
// cacheable fetchers.
func (e *Engine) fetch(ctx context.Context, s *settings, req *Request, policy types.CachePolicy) ([]byte, *FetchResult, DataSource, error) {
	fetcher, err := e.fetchers.For(req.URI)
	if err != nil {
		return nil, nil, 0, err
	}

	if !fetcher.Cacheable() {
		data, res, err := e.fetchSource(ctx, s, fetcher, req.URI)
		return data, res, SourceLocal, err
	}
	if e.download == nil || policy == types.PolicyDisabled {
		data, res, err := e.fetchSource(ctx, s, fetcher, req.URI)
		return data, res, SourceNetwork, err
	}

	dkey, err := cachekey.DownloadKey(req.URI)
	if err != nil {
		return nil, nil, 0, err
	}

	var snap *diskcache.Snapshot
	var ed *diskcache.Editor
	switch {
	case policy.ReadEnabled() && policy.WriteEnabled():
		snap, ed, err = e.download.OpenSnapshotOrEdit(ctx, dkey)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeOperationCanceled) {
				return nil, nil, 0, err
			}
			e.logger.Warn("Download cache unavailable", map[string]interface{}{"uri": req.URI, "error": err.Error()})
			e.recordTier(types.TierDownload, health.OpRead, err)
		}
	case policy.ReadEnabled():
		snap = e.download.Get(dkey)
	case policy.WriteEnabled():
		ed, err = e.download.Edit(dkey)
		if err != nil {
			e.logger.Debug("Download cache busy, not storing", map[string]interface{}{"uri": req.URI, "error": err.Error()})
		}
	}

	if snap != nil {
		data, res, ok := e.readDownload(snap)
		if ok {
			return data, res, SourceDownloadCache, nil
		}
	}
	if ed != nil {
		defer ed.AbortUnlessCommitted()
	}

	data, res, err := e.fetchSource(ctx, s, fetcher, req.URI)
	if err != nil {
		return nil, nil, 0, err
	}
	if ed != nil {
		e.storeDownload(ed, data, res)
	}
	return data, res, SourceNetwork, nil
}

func (e *Engine) readDownload(snap *diskcache.Snapshot) ([]byte, *FetchResult, bool) {
	defer func() { _ = snap.Close() }()

	meta := snap.Metadata()
	data, err := snap.Bytes()
	if err != nil {
		e.logger.Warn("Unreadable download cache entry, fetching again", map[string]interface{}{
			"uri": meta.ContentKey, "error": err.Error(),
		})
		e.recordTier(types.TierDownload, health.OpRead, err)
		return nil, nil, false
	}
	e.recordTier(types.TierDownload, health.OpRead, nil)
	return data, &FetchResult{
		MimeType:      meta.MimeType,
		ETag:          meta.ETag,
		LastModified:  meta.LastModified,
		ContentLength: meta.ContentLength,
	}, true
}

func (e *Engine) storeDownload(ed *diskcache.Editor, data []byte, res *FetchResult) {
	ed.SetMetadata(diskcache.Metadata{
		MimeType:     res.MimeType,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	})
	if err := ed.Write(data); err != nil {
		e.logger.Warn("Failed to write download cache entry", map[string]interface{}{"uri": ed.Key(), "error": err.Error()})
		e.recordTier(types.TierDownload, health.OpWrite, err)
		return
	}
	err := ed.Commit()
	if err != nil {
		e.logger.Warn("Failed to commit download cache entry", map[string]interface{}{"uri": ed.Key(), "error": err.Error()})
	}
	e.recordTier(types.TierDownload, health.OpWrite, err)
}

// fetchSource runs the fetcher with retries. Remote fetches hold a network
// slot for their whole duration.
func (e *Engine) fetchSource(ctx context.Context, s *settings, fetcher Fetcher, uri string) ([]byte, *FetchResult, error) {
	if fetcher.Cacheable() {
		if err := s.network.Acquire(ctx, 1); err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeOperationCanceled, "wait for network slot canceled", err).
				WithComponent("pipeline").WithOperation("fetch").WithContext("uri", uri)
		}
		defer s.network.Release(1)
	}

	var breaker *circuit.Breaker
	if e.breakers != nil && fetcher.Cacheable() {
		breaker = e.breakers.For(originOf(uri))
	}

	start := time.Now()
	var data []byte
	var res *FetchResult
	attempt := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()

		r, err := fetcher.Fetch(attemptCtx, uri)
		if err != nil {
			return err
		}
		b, err := r.readAll(uri)
		if err != nil {
			return err
		}
		r.Body = nil
		data, res = b, r
		return nil
	}
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if breaker == nil {
			return attempt(ctx)
		}
		return breaker.Execute(ctx, attempt)
	})

	e.metrics.RecordOperation("fetch", time.Since(start), int64(len(data)), err == nil)
	if err != nil {
		e.metrics.RecordError("fetch", err)
		return nil, nil, err
	}
	return data, res, nil
}

func (e *Engine) decodeImage(ctx context.Context, s *settings, data []byte, mimeType string, req *Request) (*Image, error) {
	if err := s.decode.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "wait for decode slot canceled", err).
			WithComponent("pipeline").WithOperation("decode").WithContext("uri", req.URI)
	}
	defer s.decode.Release(1)

	start := time.Now()
	img, err := e.decoder.Decode(ctx, data, mimeType, req)
	for i := 0; err == nil && i < len(req.Transformations); i++ {
		t := req.Transformations[i]
		img, err = t.Transform(ctx, img)
		if err != nil {
			var cacheErr *errors.CacheError
			if !stderrors.As(err, &cacheErr) {
				err = errors.Wrap(errors.ErrCodeDecodeFailed, "transformation failed", err).
					WithComponent("pipeline").WithOperation("transform").WithContext("transformation", t.Key())
			}
		}
	}

	if err != nil {
		e.metrics.RecordOperation("decode", time.Since(start), 0, false)
		e.metrics.RecordError("decode", err)
		return nil, err
	}
	e.metrics.RecordOperation("decode", time.Since(start), img.Size(), true)
	return img, nil
}

// tierPolicy narrows policy to what the tier's health allows.
func (e *Engine) tierPolicy(tier types.Tier, policy types.CachePolicy) types.CachePolicy {
	if e.health == nil || policy == types.PolicyDisabled {
		return policy
	}
	name := string(tier)
	if !e.health.CanRead(name) {
		return types.PolicyDisabled
	}
	if !e.health.CanWrite(name) {
		switch policy {
		case types.PolicyEnabled:
			return types.PolicyReadOnly
		case types.PolicyWriteOnly:
			return types.PolicyDisabled
		}
	}
	return policy
}

func (e *Engine) recordTier(tier types.Tier, op health.Op, err error) {
	if e.health == nil {
		return
	}
	// a value the tier cannot hold says nothing about the tier
	if errors.IsCode(err, errors.ErrCodeCapacityExceeded) {
		return
	}
	if err != nil {
		e.health.RecordError(string(tier), op, err)
		return
	}
	e.health.RecordSuccess(string(tier), op)
}

// probeTier checks that a disk tier's directory still accepts files.
func (e *Engine) probeTier(ctx context.Context, name string) error {
	var c *diskcache.Cache
	switch types.Tier(name) {
	case types.TierResult:
		c = e.result
	case types.TierDownload:
		c = e.download
	}
	if c == nil {
		return errors.NewError(errors.ErrCodeInternalError, "unknown tier").WithContext("tier", name)
	}

	f, err := os.CreateTemp(c.Dir(), ".probe-*")
	if err != nil {
		return errors.Wrap(errors.ErrCodeIO, "cache directory not writable", err).
			WithComponent("pipeline").WithOperation("probe").WithContext("dir", c.Dir())
	}
	_, werr := f.Write([]byte{0})
	cerr := f.Close()
	rerr := os.Remove(f.Name())
	if err := stderrors.Join(werr, cerr, rerr); err != nil {
		return errors.Wrap(errors.ErrCodeIO, "cache directory probe failed", err).
			WithComponent("pipeline").WithOperation("probe").WithContext("dir", c.Dir())
	}
	return nil
}

func (e *Engine) stopHealthChecks() {
	if e.healthCancel != nil {
		e.healthCancel()
		<-e.healthDone
	}
}

// Health returns the health of every disk tier, or nil when tracking is
// disabled.
func (e *Engine) Health() map[string]health.ComponentHealth {
	if e.health == nil {
		return nil
	}
	return e.health.GetAllComponents()
}

// healthReport backs the metrics /health endpoint. The engine is unhealthy
// once it is shut down or a disk tier is bypassed.
func (e *Engine) healthReport() (bool, interface{}) {
	details := map[string]interface{}{}
	healthy := !e.closed.Load()
	if tiers := e.Health(); tiers != nil {
		details["tiers"] = tiers
		for _, t := range tiers {
			if t.State == health.StateUnavailable {
				healthy = false
			}
		}
	}
	if e.breakers != nil {
		details["open_circuits"] = e.breakers.Open()
	}
	return healthy, details
}

// CircuitStats returns the breaker state of every origin fetched so far,
// or nil when breakers are disabled.
func (e *Engine) CircuitStats() map[string]circuit.Stats {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Stats()
}

// Stats aggregates the statistics of every tier. Disabled tiers report
// zero values.
func (e *Engine) Stats() types.EngineStats {
	var stats types.EngineStats
	if e.memory != nil {
		stats.Memory = e.memory.Stats()
	}
	if e.result != nil {
		stats.Result = e.result.Stats()
	}
	if e.download != nil {
		stats.Download = e.download.Stats()
	}
	return stats
}

// Shutdown stops the memory monitor and metrics server, clears the memory
// cache and closes the disk caches. In-flight disk edits are aborted.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		e.stopHealthChecks()

		if e.monitor != nil {
			if err := e.monitor.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.collector != nil {
			if err := e.collector.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if e.memory != nil {
			e.memory.Clear()
		}
		if e.result != nil {
			if err := e.result.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.download != nil {
			if err := e.download.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		e.logger.Info("Engine shut down", nil)

		for _, closeFn := range e.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return stderrors.Join(errs...)
}
