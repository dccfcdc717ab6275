package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/cachekey"
	"github.com/pixcache/pixcache/internal/circuit"
	"github.com/pixcache/pixcache/internal/diskcache"
	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/memmon"
	"github.com/pixcache/pixcache/pkg/retry"
	"github.com/pixcache/pixcache/pkg/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	engine   *Engine
	server   *httptest.Server
	hits     atomic.Int32
	png      []byte
	memory   *cache.MemoryCache
	result   *diskcache.Cache
	download *diskcache.Cache
}

func (env *testEnv) url(path string) string {
	return env.server.URL + path
}

// newTestEnv starts a server that serves a 4x3 PNG on every path and an
// engine with all three tiers. handler, when set, replaces the default.
func newTestEnv(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{png: pngBytes(t, 4, 3)}

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(env.png)
		}
	}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(env.server.Close)

	coord := diskcache.NewCoordinator()
	var err error
	env.memory = cache.NewMemoryCache(&cache.MemoryConfig{MaxSize: 1 << 20})
	env.result, err = diskcache.Open(diskcache.Result, diskcache.Options{Dir: t.TempDir(), Coordinator: coord, NoSync: true})
	require.NoError(t, err)
	env.download, err = diskcache.Open(diskcache.Download, diskcache.Options{Dir: t.TempDir(), Coordinator: coord, NoSync: true})
	require.NoError(t, err)

	opts := Options{
		Memory:   env.memory,
		Result:   env.result,
		Download: env.download,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	env.engine, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.engine.Shutdown(context.Background()) })
	return env
}

type suffixTransform struct {
	suffix string
	calls  *atomic.Int32
}

func (s suffixTransform) Key() string { return "suffix:" + s.suffix }

func (s suffixTransform) Transform(ctx context.Context, img *Image) (*Image, error) {
	if s.calls != nil {
		s.calls.Add(1)
	}
	out := *img
	out.Data = append(append([]byte(nil), img.Data...), s.suffix...)
	return &out, nil
}

type failingTransform struct{}

func (failingTransform) Key() string { return "fail" }

func (failingTransform) Transform(ctx context.Context, img *Image) (*Image, error) {
	return nil, fmt.Errorf("cannot transform")
}

func TestExecuteWalksTiers(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	req := Request{URI: env.url("/cat.png")}

	res, err := env.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, env.png, res.Image.Data)
	assert.Equal(t, "image/png", res.Image.MimeType)
	assert.Equal(t, 4, res.Image.Width)
	assert.Equal(t, 3, res.Image.Height)

	res, err = env.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)

	env.memory.Clear()
	res, err = env.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceDownloadCache, res.Source)
	assert.Equal(t, env.png, res.Image.Data)
	assert.Equal(t, int32(1), env.hits.Load())

	// untransformed requests never reach the result cache
	assert.Zero(t, env.result.Size())
	assert.Equal(t, 0, env.result.Stats().Entries)
}

func TestExecuteResultCache(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	var calls atomic.Int32
	req := Request{
		URI:             env.url("/dog.png"),
		Resize:          &cachekey.Resize{Width: 2, Height: 2},
		Transformations: []Transformation{suffixTransform{suffix: "-x", calls: &calls}},
	}
	want := append(append([]byte(nil), env.png...), "-x"...)

	res, err := env.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, want, res.Image.Data)

	key, err := req.CacheKey()
	require.NoError(t, err)
	require.True(t, env.result.Exists(key))

	snap := env.result.Get(key)
	require.NotNil(t, snap)
	meta := snap.Metadata()
	require.NoError(t, snap.Close())
	assert.Equal(t, []string{"suffix:-x"}, meta.Transformations)
	assert.Equal(t, 4, meta.Width)

	env.memory.Clear()
	res, err = env.engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceResultCache, res.Source)
	assert.Equal(t, want, res.Image.Data)
	assert.Equal(t, "image/png", res.Image.MimeType)
	assert.Equal(t, int32(1), calls.Load())

	// the untransformed source is served from the download cache
	res, err = env.engine.Execute(ctx, Request{URI: env.url("/dog.png")})
	require.NoError(t, err)
	assert.Equal(t, SourceDownloadCache, res.Source)
	assert.Equal(t, int32(1), env.hits.Load())
}

func TestExecuteCoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	var env *testEnv
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write(env.png)
	}, nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.engine.Execute(context.Background(), Request{URI: env.url("/same.png")})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, env.png, results[i].Image.Data)
	}
	assert.Equal(t, int32(1), env.hits.Load())
}

func TestExecutePolicies(t *testing.T) {
	t.Run("memory disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, func(o *Options) {
			o.Policies = &Policies{Memory: types.PolicyDisabled}
		})
		ctx := context.Background()
		req := Request{URI: env.url("/a.png")}

		_, err := env.engine.Execute(ctx, req)
		require.NoError(t, err)
		res, err := env.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, SourceDownloadCache, res.Source)
		assert.Zero(t, env.memory.Size())
	})

	t.Run("every tier disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		ctx := context.Background()
		off := &Policies{Memory: types.PolicyDisabled, Result: types.PolicyDisabled, Download: types.PolicyDisabled}
		req := Request{URI: env.url("/a.png"), Policies: off}

		for i := 0; i < 2; i++ {
			res, err := env.engine.Execute(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, SourceNetwork, res.Source)
		}
		assert.Equal(t, int32(2), env.hits.Load())
		assert.Zero(t, env.download.Size())
	})

	t.Run("read only download cache", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		ctx := context.Background()
		ro := &Policies{Memory: types.PolicyDisabled, Download: types.PolicyReadOnly}

		res, err := env.engine.Execute(ctx, Request{URI: env.url("/a.png"), Policies: ro})
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Zero(t, env.download.Size())

		// populate with a normal request, then the read-only one hits
		_, err = env.engine.Execute(ctx, Request{URI: env.url("/a.png")})
		require.NoError(t, err)
		res, err = env.engine.Execute(ctx, Request{URI: env.url("/a.png"), Policies: ro})
		require.NoError(t, err)
		assert.Equal(t, SourceDownloadCache, res.Source)
	})

	t.Run("write only result cache", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		ctx := context.Background()
		wo := &Policies{Memory: types.PolicyDisabled, Result: types.PolicyWriteOnly, Download: types.PolicyEnabled}
		req := Request{URI: env.url("/a.png"), Resize: &cachekey.Resize{Width: 1, Height: 1}, Policies: wo}

		res, err := env.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		key, _ := req.CacheKey()
		assert.True(t, env.result.Exists(key))

		res, err = env.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, SourceDownloadCache, res.Source, "write only never reads")
	})
}

func TestExecuteFetchErrors(t *testing.T) {
	t.Run("not found is not retried", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, nil)
		_, err := env.engine.Execute(context.Background(), Request{URI: env.url("/missing.png")})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeFetchFailed))
		assert.Equal(t, int32(1), env.hits.Load())
		assert.Zero(t, env.download.Size())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, nil)
		_, err := env.engine.Execute(context.Background(), Request{URI: env.url("/flaky.png")})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
		assert.True(t, errors.IsCode(err, errors.ErrCodeFetchFailed))
		assert.Equal(t, int32(3), env.hits.Load())
	})

	t.Run("recovers after a transient error", func(t *testing.T) {
		var env *testEnv
		env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			if env.hits.Load() == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write(env.png)
		}, nil)
		res, err := env.engine.Execute(context.Background(), Request{URI: env.url("/flaky.png")})
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, int32(2), env.hits.Load())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		_, err := env.engine.Execute(context.Background(), Request{URI: "ftp://example.com/a.png"})
		assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedURI))
	})

	t.Run("empty uri", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		_, err := env.engine.Execute(context.Background(), Request{})
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidKey))
	})
}

func TestExecuteCircuitBreaker(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, func(o *Options) {
		o.Breakers = circuit.NewSet(circuit.Config{FailureThreshold: 2, OpenTimeout: time.Hour})
	})
	ctx := context.Background()

	_, err := env.engine.Execute(ctx, Request{URI: env.url("/a.png")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), env.hits.Load())

	_, err = env.engine.Execute(ctx, Request{URI: env.url("/b.png")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), env.hits.Load(), "open origin is not contacted")

	stats := env.engine.CircuitStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "OPEN", stats[originOf(env.server.URL)].State)

	// local sources never go through a breaker
	res, err := env.engine.Execute(ctx, Request{URI: dataURI(env.png)})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://img.example.com", originOf("HTTPS://IMG.example.com/a/b.png?x=1"))
	assert.Equal(t, "http://127.0.0.1:8080", originOf("http://127.0.0.1:8080/a.png"))
	assert.Equal(t, "s3://bucket", originOf("s3://bucket/key.png"))
}

func TestExecuteDecodeErrors(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}, nil)
	ctx := context.Background()

	_, err := env.engine.Execute(ctx, Request{URI: env.url("/text")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeDecodeFailed))
	assert.Zero(t, env.memory.Size())

	env2 := newTestEnv(t, nil, nil)
	req := Request{URI: env2.url("/a.png"), Transformations: []Transformation{failingTransform{}}}
	_, err = env2.engine.Execute(ctx, req)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDecodeFailed))

	// the aborted result edit left nothing behind and does not block a retry
	key, _ := req.CacheKey()
	assert.False(t, env2.result.Exists(key))
	ed, err := env2.result.Edit(key)
	require.NoError(t, err)
	ed.Abort()
}

func TestExecuteCancellationReleasesProducer(t *testing.T) {
	var first atomic.Bool
	var env *testEnv
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write(env.png)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := env.engine.Execute(ctx, Request{URI: env.url("/slow.png")})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))

	res, err := env.engine.Execute(context.Background(), Request{URI: env.url("/slow.png")})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
}

func TestExecuteCanceledLeaderDoesNotFailFollowers(t *testing.T) {
	var first atomic.Bool
	var env *testEnv
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write(env.png)
	}, nil)

	req := Request{URI: env.url("/shared.png")}
	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(ctx, req)
		leaderErr <- err
	}()
	time.Sleep(30 * time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := env.engine.Execute(context.Background(), req)
		follower <- outcome{res, err}
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-leaderErr
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))

	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, env.png, got.res.Image.Data)
	assert.Equal(t, int32(2), env.hits.Load())
}

func TestExecuteCanceledFollowerStopsWaiting(t *testing.T) {
	release := make(chan struct{})
	var env *testEnv
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write(env.png)
	}, nil)

	req := Request{URI: env.url("/shared.png")}
	leader := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(context.Background(), req)
		leader <- err
	}()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := env.engine.Execute(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))

	close(release)
	require.NoError(t, <-leader)
	assert.Equal(t, int32(1), env.hits.Load())
}

func TestExecuteLocalSources(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	data := dataURI(env.png)
	res, err := env.engine.Execute(ctx, Request{URI: data})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)
	assert.Equal(t, env.png, res.Image.Data)

	path := writeTempFile(t, "local.png", env.png)
	res, err = env.engine.Execute(ctx, Request{URI: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)

	img, err := env.engine.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Width)

	assert.Zero(t, env.download.Size())
	assert.Zero(t, env.hits.Load())
}

func TestExecuteS3Source(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	env := newTestEnv(t, nil, func(o *Options) {
		o.Fetchers = DefaultFetchers("test", time.Second)
		o.Fetchers["s3"] = NewS3Fetcher(fake)
	})
	fake.objects["bucket/img/cat.png"] = env.png
	ctx := context.Background()

	res, err := env.engine.Execute(ctx, Request{URI: "s3://bucket/img/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, env.png, res.Image.Data)

	snap := env.download.Get("s3://bucket/img/cat.png")
	require.NotNil(t, snap)
	assert.Equal(t, `"etag"`, snap.Metadata().ETag)
	assert.Equal(t, "image/png", snap.Metadata().MimeType)
	require.NoError(t, snap.Close())

	env.memory.Clear()
	res, err = env.engine.Execute(ctx, Request{URI: "s3://bucket/img/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, SourceDownloadCache, res.Source)
	assert.Equal(t, int32(1), fake.calls.Load())

	_, err = env.engine.Execute(ctx, Request{URI: "s3://bucket/missing.png"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeFetchFailed))
	assert.False(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestPrefetch(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	var reqs []Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, Request{URI: env.url(fmt.Sprintf("/%d.png", i))})
	}

	require.NoError(t, env.engine.Prefetch(context.Background(), reqs...))
	assert.Equal(t, int32(5), env.hits.Load())

	stats := env.engine.Stats()
	assert.Equal(t, 5, stats.Memory.Entries)
	assert.Equal(t, 5, stats.Download.Entries)
	assert.Equal(t, 0, stats.Result.Entries)

	err := env.engine.Prefetch(context.Background(), Request{URI: "ftp://nope"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnsupportedURI))
}

func TestMemoryPressureTrimsMemoryCache(t *testing.T) {
	var heap atomic.Uint64
	monCfg := memmon.DefaultMonitorConfig()
	monCfg.HeapLimit = 100
	monCfg.SampleInterval = 10 * time.Millisecond
	monCfg.Cooldown = time.Millisecond
	monCfg.ReadHeap = heap.Load

	env := newTestEnv(t, nil, func(o *Options) {
		o.Monitor = memmon.NewPressureMonitor(monCfg)
	})
	_, err := env.engine.Execute(context.Background(), Request{URI: env.url("/a.png")})
	require.NoError(t, err)
	require.NotZero(t, env.memory.Size())

	heap.Store(99)
	assert.Eventually(t, func() bool { return env.memory.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	_, err := env.engine.Execute(ctx, Request{URI: env.url("/a.png")})
	require.NoError(t, err)

	require.NoError(t, env.engine.Shutdown(ctx))
	assert.Zero(t, env.memory.Size())
	require.NoError(t, env.engine.Shutdown(ctx))

	_, err = env.engine.Execute(ctx, Request{URI: env.url("/a.png")})
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoreClosed))
}

func TestEngineWithoutCaches(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e, err := New(Options{})
	require.NoError(t, err)
	defer func() { _ = e.Shutdown(context.Background()) }()

	for i := 0; i < 2; i++ {
		res, err := e.Execute(context.Background(), Request{URI: env.url("/a.png"), Resize: &cachekey.Resize{Width: 1}})
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
	}
	assert.Equal(t, types.EngineStats{}, e.Stats())
	assert.Nil(t, e.CircuitStats())
}
