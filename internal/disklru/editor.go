package disklru

import (
	"io"
	"os"
	"strconv"

	"github.com/pixcache/pixcache/pkg/errors"
)

// Editor is the exclusive write handle for one key. Every editor must end
// with Commit or Abort; `defer ed.AbortUnlessCommitted()` guarantees that on
// every path, including cancellation.
type Editor struct {
	store   *Store
	entry   *entry
	written []bool
	writers []*streamWriter

	// guarded by store.mu
	done      bool
	committed bool
}

// Key returns the key being edited.
func (ed *Editor) Key() string {
	return ed.entry.key
}

// NewWriter truncates and returns the temp file for stream i. Closing the
// writer is optional; Commit closes any writer still open.
func (ed *Editor) NewWriter(i int) (io.WriteCloser, error) {
	if i < 0 || i >= len(ed.written) {
		return nil, errors.NewError(errors.ErrCodeInternalError, "stream index out of range: "+strconv.Itoa(i)).
			WithComponent("disklru").WithOperation("new_writer")
	}

	// the temp file is created under the lock so that an Abort cannot
	// run between the check and the create and leave it behind
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.done {
		return nil, errors.NewError(errors.ErrCodeInternalError, "editor already finished").
			WithComponent("disklru").WithOperation("new_writer")
	}

	if prev := ed.writers[i]; prev != nil {
		_ = prev.Close()
	}

	f, err := os.OpenFile(s.tmpPath(ed.entry.key, i), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "failed to create temp file", err).
			WithComponent("disklru").WithOperation("new_writer").WithContext("key", ed.entry.key)
	}

	w := &streamWriter{f: f, sync: s.opts.syncOnCommit}
	ed.writers[i] = w
	ed.written[i] = true
	return w, nil
}

// Set writes data as the full contents of stream i.
func (ed *Editor) Set(i int, data []byte) error {
	w, err := ed.NewWriter(i)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(errors.ErrCodeIO, "failed to write stream", err).
			WithComponent("disklru").WithOperation("set").WithContext("key", ed.entry.key)
	}
	return w.Close()
}

// Commit publishes the written streams. Streams not written keep their
// previous value; a new entry must write all of them. A value larger than
// the store's budget fails with CAPACITY_EXCEEDED. A failed commit is an
// abort.
func (ed *Editor) Commit() error {
	var writeErr error
	for _, w := range ed.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	}

	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()

	e := ed.entry
	if ed.done {
		return errors.NewError(errors.ErrCodeInternalError, "editor already finished").
			WithComponent("disklru").WithOperation("commit").WithContext("key", e.key)
	}
	if s.closed {
		ed.abortLocked()
		return errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("disklru").WithOperation("commit")
	}
	if writeErr != nil {
		ed.abortLocked()
		return errors.Wrap(errors.ErrCodeIO, "failed to write temp file", writeErr).
			WithComponent("disklru").WithOperation("commit").WithContext("key", e.key)
	}

	if !e.readable {
		for i, written := range ed.written {
			if !written {
				ed.abortLocked()
				return errors.NewError(errors.ErrCodeIncomplete, "new entry did not write stream "+strconv.Itoa(i)).
					WithComponent("disklru").WithOperation("commit").WithContext("key", e.key)
			}
		}
	}

	lengths := make([]int64, len(e.lengths))
	copy(lengths, e.lengths)
	for i, written := range ed.written {
		if !written {
			continue
		}
		info, err := os.Stat(s.tmpPath(e.key, i))
		if err != nil {
			ed.abortLocked()
			return errors.Wrap(errors.ErrCodeIO, "temp file missing", err).
				WithComponent("disklru").WithOperation("commit").WithContext("key", e.key)
		}
		lengths[i] = info.Size()
	}

	var total int64
	for _, l := range lengths {
		total += l
	}
	if total > s.maxSize {
		ed.abortLocked()
		return errors.NewError(errors.ErrCodeCapacityExceeded, "value larger than cache budget").
			WithComponent("disklru").WithOperation("commit").WithContext("key", e.key).
			WithDetail("size", total).WithDetail("max_size", s.maxSize)
	}

	if err := s.appendRecord(cleanRecord(e.key, lengths), true, s.opts.syncOnCommit); err != nil {
		ed.abortLocked()
		return err
	}

	// The CLEAN record is written. The renames below are rolled forward on
	// open if we crash, and undone if they fail.
	ed.done = true
	e.editor = nil

	old := e.gen
	wasReadable := e.readable
	oldSize := e.size()

	var steps []publishStep
	var renameErr error
	for i, written := range ed.written {
		if !written {
			continue
		}
		clean := s.cleanPath(e.key, i)
		step := publishStep{stream: i}
		if wasReadable {
			// moved aside even without readers, so a failed publish can
			// put it back
			g := s.garbagePath(e.key, i, e.seq)
			if err := s.rename(clean, g); err != nil {
				renameErr = err
				break
			}
			step.garbage = g
		}
		steps = append(steps, step)
		if err := s.rename(s.tmpPath(e.key, i), clean); err != nil {
			renameErr = err
			break
		}
	}

	if renameErr != nil {
		if !ed.restoreLocked(steps) {
			s.logger.Warn("Previous value lost after failed publish, entry removed", map[string]interface{}{"key": e.key})
		}
		s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
		return errors.Wrap(errors.ErrCodeIO, "failed to publish stream files", renameErr).
			WithComponent("disklru").WithOperation("commit").WithContext("key", e.key)
	}

	ed.committed = true
	if wasReadable {
		garbage := make([]string, 0, len(steps))
		for _, step := range steps {
			garbage = append(garbage, step.garbage)
		}
		old.retire(garbage)
	}
	e.gen = &generation{}
	e.lengths = lengths
	e.readable = true
	e.seq = s.nextSeq
	s.nextSeq++
	s.size += e.size() - oldSize
	s.lru.MoveToFront(e.elem)

	s.trimToSizeLocked()
	s.scheduleCompactionLocked()
	s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
	return nil
}

// publishStep records how far Commit got with one stream.
type publishStep struct {
	stream  int
	garbage string // where the previous file was moved, if there was one
}

// restoreLocked undoes a partly published commit: previous stream files
// are moved back and a CLEAN record with the previous lengths supersedes
// the new one. A new entry, or one whose previous files cannot be put back,
// is removed. It reports whether the previous value is readable again.
func (ed *Editor) restoreLocked(steps []publishStep) bool {
	s := ed.store
	e := ed.entry

	restored := e.readable
	for j := len(steps) - 1; j >= 0; j-- {
		if steps[j].garbage == "" {
			continue
		}
		if err := s.rename(steps[j].garbage, s.cleanPath(e.key, steps[j].stream)); err != nil {
			restored = false
		}
	}
	for i := range ed.written {
		_ = os.Remove(s.tmpPath(e.key, i))
	}

	if restored {
		err := s.appendRecord(cleanRecord(e.key, e.lengths), true, s.opts.syncOnCommit)
		if err == nil {
			s.trimToSizeLocked()
			return true
		}
		s.logger.Warn("Failed to record restored entry", map[string]interface{}{"key": e.key, "error": err})
	}

	// open snapshots hold their own file handles
	for _, step := range steps {
		if step.garbage != "" {
			_ = os.Remove(step.garbage)
		}
	}
	for i := 0; i < s.opts.valueCount; i++ {
		_ = os.Remove(s.cleanPath(e.key, i))
	}
	e.gen.retire(nil)
	s.size -= e.size()
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)
	if err := s.appendRecord(opRemove+" "+e.key, true, false); err != nil {
		s.logger.Warn("Failed to record removed entry", map[string]interface{}{"key": e.key, "error": err})
	}
	return false
}

// Abort discards the edit. It never fails and is a no-op after Commit or a
// previous Abort.
func (ed *Editor) Abort() {
	for _, w := range ed.writers {
		if w != nil {
			_ = w.Close()
		}
	}

	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	ed.abortLocked()
}

// AbortUnlessCommitted aborts unless Commit succeeded. Meant for defer.
func (ed *Editor) AbortUnlessCommitted() {
	ed.Abort()
}

// Committed reports whether Commit succeeded.
func (ed *Editor) Committed() bool {
	ed.store.mu.Lock()
	defer ed.store.mu.Unlock()
	return ed.committed
}

func (ed *Editor) abortLocked() {
	if ed.done {
		return
	}
	ed.done = true

	s := ed.store
	e := ed.entry
	for i := range ed.written {
		_ = os.Remove(s.tmpPath(e.key, i))
	}
	e.editor = nil

	var err error
	if e.readable {
		err = s.appendRecord(cleanRecord(e.key, e.lengths), true, false)
	} else {
		err = s.appendRecord(opRemove+" "+e.key, true, false)
		s.lru.Remove(e.elem)
		delete(s.entries, e.key)
	}
	if err != nil {
		s.logger.Warn("Failed to record aborted edit", map[string]interface{}{"key": e.key, "error": err})
	}

	s.trimToSizeLocked()
}

// streamWriter writes one temp file and remembers the first write error.
type streamWriter struct {
	f      *os.File
	sync   bool
	err    error
	closed bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *streamWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.sync {
		if err := w.f.Sync(); err != nil && w.err == nil {
			w.err = err
		}
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
