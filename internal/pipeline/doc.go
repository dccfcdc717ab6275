/*
Package pipeline loads images through the pixcache tiers.

An Engine owns one memory cache, one result cache and one download cache
and runs every request through them in order:

	Execute(req)
	    │
	    ├─ memory cache ─────────────── hit → SourceMemory
	    │
	    ├─ result cache (resized or transformed requests only)
	    │      OpenSnapshotOrEdit ───── hit → SourceResultCache
	    │
	    ├─ fetcher by scheme
	    │      http, https, s3 ──► download cache OpenSnapshotOrEdit
	    │                               hit → SourceDownloadCache
	    │                               miss → fetch with retry → commit
	    │      file, data ──────────── read directly → SourceLocal
	    │
	    ├─ decoder, then transformations in order
	    │
	    └─ write back: result cache editor commit, memory cache Put

Concurrent requests for the same key share one load through singleflight.
Across engines sharing a cache directory the diskcache Coordinator keeps a
single producer per entry. Remote fetches hold one of NetworkConcurrency
slots and decoding holds one of DecodeConcurrency slots.

A failing cache never fails a request. Read errors become misses and write
errors are logged at WARN. Only fetch, decode and cancellation errors
reach the caller. Editors are always closed with AbortUnlessCommitted, so
a canceled request releases its slot for the next producer.

Every remote origin has a circuit breaker around each fetch attempt.
After FailureThreshold consecutive transport errors, timeouts or retryable
responses the origin is rejected with CIRCUIT_OPEN until OpenTimeout has
passed, and the retry loop stops on the first rejection. Local sources
have no breaker.

A health tracker counts disk tier errors. A tier whose writes keep
failing becomes read-only, and one that keeps failing entirely is
bypassed until a periodic probe of its directory succeeds again.

Policies select per tier whether a request may read, write, both or
neither. The engine defaults come from configuration and a Request may
override them.

# Construction

	cfg := config.NewDefault()
	cfg.Global.CacheRoot = "/var/cache/pixcache"
	engine, err := pipeline.NewFromConfig(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer engine.Shutdown(context.Background())

	res, err := engine.Execute(ctx, pipeline.Request{
		URI:    "https://example.com/cat.png",
		Resize: &cachekey.Resize{Width: 200, Height: 200},
	})

New wires an engine from caches the caller opened; NewFromConfig opens
them itself, starts the metrics endpoint and the memory pressure monitor
when configured, and registers an S3 fetcher whose client is created on
first use.
*/
package pipeline
