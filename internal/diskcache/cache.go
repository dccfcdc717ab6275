// Package diskcache is the typed facade over disklru used for the result
// and download caches. Each entry stores an encoded payload in stream 0 and
// JSON Metadata in stream 1, under the fingerprint of its content key.
package diskcache

import (
	"context"
	"io"
	"time"

	"github.com/pixcache/pixcache/internal/cachekey"
	"github.com/pixcache/pixcache/internal/disklru"
	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Cache is a result or download cache.
type Cache struct {
	typ         Type
	store       *disklru.Store
	coord       *Coordinator
	serializer  Serializer
	fingerprint func(string) string
	logger      *utils.StructuredLogger
	metrics     types.MetricsCollector
}

// Open opens a cache of the given type in opts.Dir.
func Open(typ Type, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache directory is required").
			WithComponent("diskcache").WithOperation("open").WithContext("type", typ.String())
	}
	opts = opts.withDefaults(typ)
	logger := opts.Logger.WithComponent("diskcache").WithField("type", typ.String())

	storeOpts := []disklru.Option{
		disklru.WithMaxSize(opts.MaxSize),
		disklru.WithValueCount(valueCount),
		disklru.WithAppVersion(AppVersion),
		disklru.WithSyncOnCommit(!opts.NoSync),
		disklru.WithLogger(opts.Logger),
		disklru.WithMetrics(opts.Metrics, typ.Tier()),
	}
	if opts.CompactThreshold > 0 {
		storeOpts = append(storeOpts, disklru.WithCompactThreshold(opts.CompactThreshold))
	}

	store, err := disklru.Open(opts.Dir, storeOpts...)
	if err != nil {
		return nil, err
	}

	fp := opts.Fingerprint
	if fp == nil {
		fp = cachekey.Fingerprint
	}

	logger.Info("Opened disk cache", map[string]interface{}{
		"dir":        opts.Dir,
		"max_size":   utils.FormatBytes(opts.MaxSize),
		"size":       utils.FormatBytes(store.Size()),
		"serializer": opts.Serializer.Name(),
	})

	return &Cache{
		typ:         typ,
		store:       store,
		coord:       opts.Coordinator,
		serializer:  opts.Serializer,
		fingerprint: fp,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// Type returns the cache type.
func (c *Cache) Type() Type {
	return c.typ
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.store.Dir()
}

// Get returns a snapshot of the entry for contentKey, or nil on a miss.
// Unreadable entries are misses.
func (c *Cache) Get(contentKey string) *Snapshot {
	start := time.Now()
	snap := c.get(contentKey)
	if snap == nil {
		c.metrics.RecordCacheMiss(c.typ.Tier())
	} else {
		c.metrics.RecordCacheHit(c.typ.Tier(), snap.Size())
	}
	c.metrics.RecordOperation(c.typ.String()+"_get", time.Since(start), 0, true)
	return snap
}

func (c *Cache) get(contentKey string) *Snapshot {
	raw := c.store.Get(c.fingerprint(contentKey))
	if raw == nil {
		return nil
	}

	data, err := raw.Bytes(metadataStream)
	var meta Metadata
	if err == nil {
		meta, err = unmarshalMetadata(data)
	}
	if err != nil {
		c.logger.Warn("Unreadable entry metadata, treating as miss", map[string]interface{}{
			"key": contentKey, "error": err,
		})
		_ = raw.Close()
		return nil
	}

	if meta.ContentKey != contentKey {
		c.logger.Debug("Fingerprint collision, treating as miss", map[string]interface{}{
			"key": contentKey, "stored": meta.ContentKey,
		})
		_ = raw.Close()
		return nil
	}

	return &Snapshot{cache: c, raw: raw, meta: meta}
}

// Edit returns the editor for contentKey. It fails with EDIT_CONFLICT if
// another producer holds the key.
func (c *Cache) Edit(contentKey string) (*Editor, error) {
	_, release, owner := c.coord.acquire(c.slot(contentKey))
	if !owner {
		return nil, errors.NewError(errors.ErrCodeEditConflict, "entry is being written").
			WithComponent("diskcache").WithOperation("edit").WithContext("key", contentKey)
	}
	ed, err := c.store.Edit(c.fingerprint(contentKey))
	if err != nil {
		release()
		return nil, err
	}
	return newEditor(c, contentKey, ed, release), nil
}

// OpenSnapshotOrEdit returns exactly one of a snapshot of the committed
// entry or the editor that must produce it. When another caller is
// producing the key it waits for that producer to finish and reads again.
func (c *Cache) OpenSnapshotOrEdit(ctx context.Context, contentKey string) (*Snapshot, *Editor, error) {
	slot := c.slot(contentKey)
	for {
		if snap := c.Get(contentKey); snap != nil {
			return snap, nil, nil
		}

		done, release, owner := c.coord.acquire(slot)
		if owner {
			// a producer may have committed between the read and acquire
			if snap := c.get(contentKey); snap != nil {
				release()
				return snap, nil, nil
			}
			ed, err := c.store.Edit(c.fingerprint(contentKey))
			if err != nil {
				release()
				return nil, nil, err
			}
			return nil, newEditor(c, contentKey, ed, release), nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return nil, nil, errors.Wrap(errors.ErrCodeOperationCanceled, "wait for producer canceled", ctx.Err()).
				WithComponent("diskcache").WithOperation("open_snapshot_or_edit").WithContext("key", contentKey)
		}
	}
}

// Remove deletes the entry for contentKey.
func (c *Cache) Remove(contentKey string) (bool, error) {
	return c.store.Remove(c.fingerprint(contentKey))
}

// Exists reports whether contentKey has a committed entry. A fingerprint
// collision is reported as present.
func (c *Cache) Exists(contentKey string) bool {
	return c.store.Exists(c.fingerprint(contentKey))
}

// Clear removes every entry that is not being written.
func (c *Cache) Clear() error {
	return c.store.Clear()
}

// Size returns the bytes stored.
func (c *Cache) Size() int64 {
	return c.store.Size()
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.store.MaxSize()
}

// SetMaxSize changes the byte budget.
func (c *Cache) SetMaxSize(n int64) {
	c.store.SetMaxSize(n)
}

// Stats returns usage counters.
func (c *Cache) Stats() types.CacheStats {
	return c.store.Stats()
}

// Close closes the underlying store. In-flight editors are aborted.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) slot(contentKey string) string {
	return c.store.Dir() + "\x00" + contentKey
}

// Snapshot is a read handle on a committed entry.
type Snapshot struct {
	cache *Cache
	raw   *disklru.Snapshot
	meta  Metadata
}

// Metadata returns the entry metadata.
func (s *Snapshot) Metadata() Metadata {
	return s.meta
}

// Size returns the stored payload length, which differs from
// Metadata().ContentLength when the payload is compressed.
func (s *Snapshot) Size() int64 {
	return s.raw.Length(payloadStream)
}

// Open returns a reader over the decoded payload.
func (s *Snapshot) Open() (io.ReadCloser, error) {
	ser, err := serializerFor(s.meta.Encoding)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "cannot decode payload", err).
			WithComponent("diskcache").WithOperation("read").WithContext("key", s.meta.ContentKey)
	}
	rc, err := ser.Decode(s.raw.Reader(payloadStream))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "cannot decode payload", err).
			WithComponent("diskcache").WithOperation("read").WithContext("key", s.meta.ContentKey)
	}
	return rc, nil
}

// Bytes reads the decoded payload fully.
func (s *Snapshot) Bytes() ([]byte, error) {
	rc, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "failed to read payload", err).
			WithComponent("diskcache").WithOperation("read").WithContext("key", s.meta.ContentKey)
	}
	return data, nil
}

// Edit opens an editor for the entry if it is unchanged since the snapshot.
func (s *Snapshot) Edit() (*Editor, error) {
	c := s.cache
	key := s.meta.ContentKey
	_, release, owner := c.coord.acquire(c.slot(key))
	if !owner {
		return nil, errors.NewError(errors.ErrCodeEditConflict, "entry is being written").
			WithComponent("diskcache").WithOperation("edit").WithContext("key", key)
	}
	ed, err := s.raw.Edit()
	if err != nil {
		release()
		return nil, err
	}
	e := newEditor(c, key, ed, release)
	e.meta = s.meta
	return e, nil
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.raw.Close()
}
