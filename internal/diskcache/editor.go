package diskcache

import (
	"io"
	"sync"
	"time"

	"github.com/pixcache/pixcache/internal/disklru"
	"github.com/pixcache/pixcache/pkg/errors"
)

// Editor writes one entry. It must end with Commit or Abort:
//
//	ed, err := c.Edit(key)
//	if err != nil {
//		return err
//	}
//	defer ed.AbortUnlessCommitted()
type Editor struct {
	cache   *Cache
	key     string
	ed      *disklru.Editor
	release func()

	mu       sync.Mutex
	meta     Metadata
	payload  *payloadWriter
	finished bool
}

func newEditor(c *Cache, key string, ed *disklru.Editor, release func()) *Editor {
	return &Editor{cache: c, key: key, ed: ed, release: release}
}

// Key returns the content key being written.
func (e *Editor) Key() string {
	return e.key
}

// Metadata returns the metadata that Commit will store.
func (e *Editor) Metadata() Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

// SetMetadata replaces the metadata. ContentKey, Encoding and
// ContentLength are filled in by Commit.
func (e *Editor) SetMetadata(m Metadata) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta = m
}

// NewWriter returns a writer for the payload. The payload is encoded with
// the cache's serializer; Commit closes the writer if it is still open.
func (e *Editor) NewWriter() (io.WriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return nil, errors.NewError(errors.ErrCodeInternalError, "editor already finished").
			WithComponent("diskcache").WithOperation("new_writer").WithContext("key", e.key)
	}
	if e.payload != nil {
		_ = e.payload.Close()
	}

	raw, err := e.ed.NewWriter(payloadStream)
	if err != nil {
		return nil, err
	}
	enc, err := e.cache.serializer.Encode(raw)
	if err != nil {
		_ = raw.Close()
		return nil, errors.Wrap(errors.ErrCodeIO, "failed to create payload encoder", err).
			WithComponent("diskcache").WithOperation("new_writer").WithContext("key", e.key)
	}
	e.payload = &payloadWriter{enc: enc, raw: raw}
	return e.payload, nil
}

// Write stores data as the whole payload.
func (e *Editor) Write(data []byte) error {
	w, err := e.NewWriter()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(errors.ErrCodeIO, "failed to write payload", err).
			WithComponent("diskcache").WithOperation("write").WithContext("key", e.key)
	}
	return w.Close()
}

// Commit stores the metadata and publishes the entry. A failed commit
// leaves the previous entry, if any, in place.
func (e *Editor) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return errors.NewError(errors.ErrCodeInternalError, "editor already finished").
			WithComponent("diskcache").WithOperation("commit").WithContext("key", e.key)
	}
	e.finished = true
	defer e.release()

	meta := e.meta
	meta.ContentKey = e.key
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if e.payload != nil {
		if err := e.payload.Close(); err != nil {
			e.ed.Abort()
			return errors.Wrap(errors.ErrCodeIO, "failed to finish payload", err).
				WithComponent("diskcache").WithOperation("commit").WithContext("key", e.key)
		}
		meta.Encoding = e.cache.serializer.Name()
		meta.ContentLength = e.payload.n
	}

	data, err := meta.marshal()
	if err != nil {
		e.ed.Abort()
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode metadata", err).
			WithComponent("diskcache").WithOperation("commit").WithContext("key", e.key)
	}
	if err := e.ed.Set(metadataStream, data); err != nil {
		e.ed.Abort()
		return err
	}
	if err := e.ed.Commit(); err != nil {
		e.cache.logger.Warn("Commit failed", map[string]interface{}{"key": e.key, "error": err})
		return err
	}
	e.meta = meta
	return nil
}

// Abort discards the edit. It is a no-op after Commit or Abort.
func (e *Editor) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	if e.payload != nil {
		_ = e.payload.Close()
	}
	e.ed.Abort()
	e.release()
}

// AbortUnlessCommitted aborts unless Commit was called. Meant for defer.
func (e *Editor) AbortUnlessCommitted() {
	e.Abort()
}

// payloadWriter counts decoded bytes and closes the encoder before the
// underlying temp file.
type payloadWriter struct {
	enc    io.WriteCloser
	raw    io.WriteCloser
	n      int64
	closed bool
	err    error
}

func (w *payloadWriter) Write(p []byte) (int, error) {
	n, err := w.enc.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *payloadWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.err = w.enc.Close()
	if err := w.raw.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
