// Package disklru implements a size-bounded, crash-recoverable key to
// multi-stream byte store backed by a directory and an append-only journal.
//
// Each entry owns valueCount stream files named <key>.<i>. Edits write
// <key>.<i>.tmp files and become visible on Commit, which fsyncs the temp
// files, appends a CLEAN record (the commit point) and renames the temp files
// into place. A crash before the CLEAN record leaves the previous value
// readable; a crash after it is rolled forward on the next Open.
//
// Snapshots keep the files of the generation they were taken from. When that
// generation is superseded or removed while snapshots are open, its files are
// renamed to <key>.<i>.<seq>.old and unlinked when the last snapshot closes.
// This relies on POSIX rename semantics for open files; on Windows the rename
// of a file with open handles can fail, in which case the commit fails and is
// treated as an abort.
package disklru

import (
	"bufio"
	"container/list"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pixcache/pixcache/pkg/errors"
	"github.com/pixcache/pixcache/pkg/types"
	"github.com/pixcache/pixcache/pkg/utils"
)

// Store is a journaled LRU store on disk. All index and journal state is
// guarded by one mutex; stream contents are read without it.
type Store struct {
	mu      sync.Mutex
	dir     string
	opts    options
	logger  *utils.StructuredLogger
	maxSize int64
	size    int64

	entries map[string]*entry
	lru     *list.List // front is most recently used

	journal      *os.File
	jw           *bufio.Writer
	journalLines int
	nextSeq      uint64
	closed       bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	compactCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	rename func(oldpath, newpath string) error
}

// Open opens the store in dir, creating the directory if needed. A journal
// from an incompatible version is discarded together with the directory
// contents; a corrupt journal is rebuilt from the stream files. Only a
// failure to create the directory is returned as an error.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = utils.NewNopLogger()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "failed to create cache directory", err).
			WithComponent("disklru").WithOperation("open").WithContext("dir", dir)
	}

	s := &Store{
		dir:       dir,
		opts:      o,
		logger:    o.logger.WithComponent("disklru").WithField("dir", dir),
		maxSize:   o.maxSize,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		nextSeq:   1,
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		rename:    os.Rename,
	}

	s.restoreBackup()
	if err := s.load(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.compactLoop()

	s.logger.Debug("Opened disk store", map[string]interface{}{
		"entries":  len(s.entries),
		"size":     s.size,
		"max_size": s.maxSize,
	})
	return s, nil
}

// restoreBackup handles a crash during a journal swap: journal.bkp is the
// journal if the main file is missing, and stale otherwise.
func (s *Store) restoreBackup() {
	backup := filepath.Join(s.dir, journalBackup)
	if _, err := os.Stat(backup); err != nil {
		return
	}
	current := filepath.Join(s.dir, journalFile)
	if _, err := os.Stat(current); err == nil {
		_ = os.Remove(backup)
		return
	}
	if err := os.Rename(backup, current); err != nil {
		s.logger.Warn("Failed to restore journal backup", map[string]interface{}{"error": err})
	}
}

func (s *Store) load() error {
	res, err := s.readJournal()
	rewrite := false

	var replayErr *replayError
	switch {
	case err == nil:
		if res.truncatedTail {
			s.logger.Warn("Journal has a truncated tail, rewriting", nil)
			s.recordRebuild("truncated_tail")
			rewrite = true
		}
		if s.finishReplay() {
			rewrite = true
		}
		s.journalLines = res.lines
	case os.IsNotExist(err):
		if rebuildErr := s.rebuildFromDirectory(); rebuildErr != nil {
			s.logger.Warn("Failed to scan cache directory, wiping", map[string]interface{}{"error": rebuildErr})
			s.wipe()
		}
		rewrite = true
	case stderrors.As(err, &replayErr) && replayErr.header:
		s.logger.Warn("Journal header mismatch, wiping cache directory", map[string]interface{}{"error": err})
		s.recordRebuild("header_mismatch")
		s.wipe()
		rewrite = true
	default:
		corrupt := errors.Wrap(errors.ErrCodeCorruptJournal, "journal replay failed", err).
			WithComponent("disklru").WithOperation("open").WithContext("dir", s.dir)
		s.logger.Warn("Journal corrupt, rebuilding from directory", map[string]interface{}{"error": corrupt.Error()})
		s.opts.metrics.RecordError("journal_replay", corrupt)
		s.recordRebuild("corrupt_journal")
		if rebuildErr := s.rebuildFromDirectory(); rebuildErr != nil {
			s.logger.Warn("Rebuild failed, wiping cache directory", map[string]interface{}{"error": rebuildErr})
			s.wipe()
		}
		rewrite = true
	}

	s.size = 0
	for _, e := range s.entries {
		s.size += e.size()
	}

	if rewrite {
		if err := s.rewriteJournalLocked(); err != nil {
			s.logger.Warn("Failed to write journal", map[string]interface{}{"error": err})
		}
	} else if err := s.openJournalForAppend(); err != nil {
		s.logger.Warn("Failed to open journal", map[string]interface{}{"error": err})
	}

	s.trimToSizeLocked()
	s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
	return nil
}

// finishReplay settles entries after a journal replay: interrupted edits are
// discarded, commits interrupted after their CLEAN record are rolled forward,
// stream files are verified against recorded lengths and stray files are
// removed. It reports whether the journal should be rewritten.
func (s *Store) finishReplay() bool {
	changed := false

	for key, e := range s.entries {
		if e.dirtyPending {
			changed = true
			for i := 0; i < s.opts.valueCount; i++ {
				_ = os.Remove(s.tmpPath(key, i))
			}
			if !e.readable {
				s.dropEntry(e)
				continue
			}
			e.dirtyPending = false
		}
		if !e.readable {
			s.dropEntry(e)
			changed = true
			continue
		}

		// a temp file is only the committed stream if it has the length
		// the CLEAN record gave it; anything else is left to removeStrayFiles
		for i := 0; i < s.opts.valueCount; i++ {
			tmp := s.tmpPath(key, i)
			if info, err := os.Stat(tmp); err == nil && info.Size() == e.lengths[i] {
				if err := os.Rename(tmp, s.cleanPath(key, i)); err != nil {
					s.logger.Warn("Failed to roll forward committed stream", map[string]interface{}{
						"key": key, "stream": i, "error": err,
					})
				}
			}
		}

		if !s.verifyEntry(e) {
			s.logger.Warn("Stream files do not match journal, dropping entry", map[string]interface{}{"key": key})
			s.dropEntry(e)
			changed = true
		}
	}

	s.removeStrayFiles()
	return changed
}

func (s *Store) verifyEntry(e *entry) bool {
	for i := 0; i < s.opts.valueCount; i++ {
		info, err := os.Stat(s.cleanPath(e.key, i))
		if err != nil || info.Size() != e.lengths[i] {
			return false
		}
	}
	return true
}

// dropEntry removes an entry and its files during recovery.
func (s *Store) dropEntry(e *entry) {
	for i := 0; i < s.opts.valueCount; i++ {
		_ = os.Remove(s.cleanPath(e.key, i))
		_ = os.Remove(s.tmpPath(e.key, i))
	}
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)
}

// parseStreamName splits "<key>.<i>" and reports whether name is a stream
// file of this store.
func (s *Store) parseStreamName(name string) (string, int, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return "", 0, false
	}
	key := name[:dot]
	i, err := strconv.Atoi(name[dot+1:])
	if err != nil || i < 0 || i >= s.opts.valueCount || !keyPattern.MatchString(key) {
		return "", 0, false
	}
	return key, i, true
}

// removeStrayFiles deletes temp files, garbage from a previous process and
// stream files no entry refers to.
func (s *Store) removeStrayFiles() {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || name == journalFile || name == journalBackup {
			continue
		}
		if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".old") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if key, _, ok := s.parseStreamName(name); ok {
			if e, live := s.entries[key]; !live || !e.readable {
				_ = os.Remove(filepath.Join(s.dir, name))
			}
		}
	}
}

// rebuildFromDirectory reconstructs the index from stream files alone. An
// entry is kept only if every stream file exists. Recency follows mtime.
func (s *Store) rebuildFromDirectory() error {
	s.entries = make(map[string]*entry)
	s.lru.Init()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type found struct {
		lengths []int64
		present int
		mtime   int64
	}
	byKey := make(map[string]*found)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		key, i, ok := s.parseStreamName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		f := byKey[key]
		if f == nil {
			f = &found{lengths: make([]int64, s.opts.valueCount)}
			byKey[key] = f
		}
		f.lengths[i] = info.Size()
		f.present++
		if m := info.ModTime().UnixNano(); m > f.mtime {
			f.mtime = m
		}
	}

	type candidate struct {
		key string
		*found
	}
	var complete []candidate
	for key, f := range byKey {
		if f.present == s.opts.valueCount {
			complete = append(complete, candidate{key, f})
		}
	}
	// oldest first so the newest ends at the front
	sort.Slice(complete, func(i, j int) bool { return complete[i].mtime < complete[j].mtime })

	for _, c := range complete {
		e := newEntry(c.key, s.opts.valueCount)
		e.lengths = c.lengths
		e.readable = true
		e.elem = s.lru.PushFront(e)
		s.entries[c.key] = e
	}

	s.removeStrayFiles()
	s.logger.Info("Rebuilt index from directory", map[string]interface{}{"entries": len(s.entries)})
	return nil
}

// wipe deletes everything in the cache directory.
func (s *Store) wipe() {
	s.entries = make(map[string]*entry)
	s.lru.Init()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if err := os.RemoveAll(filepath.Join(s.dir, de.Name())); err != nil {
			s.logger.Warn("Failed to delete file during wipe", map[string]interface{}{
				"name": de.Name(), "error": err,
			})
		}
	}
}

// Get returns a snapshot of the committed value for key, or nil if the key
// is absent, has never been committed, or its files cannot be opened. The
// caller must Close the snapshot.
func (s *Store) Get(key string) *Snapshot {
	if err := validateKey(key); err != nil {
		s.logger.Warn("Rejected key", map[string]interface{}{"error": err})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		s.misses.Add(1)
		return nil
	}

	files := make([]*os.File, s.opts.valueCount)
	for i := range files {
		f, err := os.Open(s.cleanPath(key, i))
		if err != nil {
			for _, opened := range files[:i] {
				_ = opened.Close()
			}
			s.logger.Warn("Failed to open stream file, treating as miss", map[string]interface{}{
				"key": key, "stream": i, "error": err,
			})
			if e.editor == nil {
				_, _ = s.removeEntryLocked(e)
			}
			s.misses.Add(1)
			return nil
		}
		files[i] = f
	}

	if err := s.appendRecord(opRead+" "+key, false, false); err != nil {
		s.logger.Warn("Failed to record read", map[string]interface{}{"key": key, "error": err})
	}
	s.lru.MoveToFront(e.elem)
	s.hits.Add(1)
	e.gen.readers++
	s.scheduleCompactionLocked()

	lengths := make([]int64, len(e.lengths))
	copy(lengths, e.lengths)
	return &Snapshot{
		store:   s,
		key:     key,
		seq:     e.seq,
		files:   files,
		lengths: lengths,
		gen:     e.gen,
	}
}

// Edit returns the exclusive editor for key. It fails with EDIT_CONFLICT if
// an edit for key is already in flight. The DIRTY record is flushed before
// Edit returns.
func (s *Store) Edit(key string) (*Editor, error) {
	return s.edit(key, 0, false)
}

func (s *Store) edit(key string, seq uint64, checkSeq bool) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("disklru").WithOperation("edit")
	}

	e, ok := s.entries[key]
	if checkSeq && (!ok || !e.readable) {
		return nil, errors.NewError(errors.ErrCodeEntryNotFound, "entry was removed").
			WithComponent("disklru").WithOperation("edit").WithContext("key", key)
	}
	if checkSeq && e.seq != seq {
		return nil, errors.NewError(errors.ErrCodeEditConflict, "snapshot is stale").
			WithComponent("disklru").WithOperation("edit").WithContext("key", key)
	}
	if ok && e.editor != nil {
		return nil, errors.NewError(errors.ErrCodeEditConflict, "edit already in flight").
			WithComponent("disklru").WithOperation("edit").WithContext("key", key)
	}

	created := false
	if !ok {
		e = newEntry(key, s.opts.valueCount)
		s.entries[key] = e
		e.elem = s.lru.PushFront(e)
		created = true
	}

	if err := s.appendRecord(opDirty+" "+key, true, false); err != nil {
		if created {
			s.lru.Remove(e.elem)
			delete(s.entries, key)
		}
		return nil, err
	}

	ed := &Editor{
		store:   s,
		entry:   e,
		written: make([]bool, s.opts.valueCount),
		writers: make([]*streamWriter, s.opts.valueCount),
	}
	e.editor = ed
	return ed, nil
}

// Remove deletes key. It returns false if the key is absent. A key with an
// edit in flight is not removed and yields EDIT_CONFLICT.
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("disklru").WithOperation("remove")
	}

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if e.editor != nil {
		return false, errors.NewError(errors.ErrCodeEditConflict, "edit in flight").
			WithComponent("disklru").WithOperation("remove").WithContext("key", key)
	}

	removed, err := s.removeEntryLocked(e)
	s.scheduleCompactionLocked()
	s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
	return removed, err
}

// removeEntryLocked unlinks an entry's files (or defers that to the last
// reader) and appends REMOVE.
func (s *Store) removeEntryLocked(e *entry) (bool, error) {
	var firstErr error
	var garbage []string

	for i := 0; i < s.opts.valueCount; i++ {
		path := s.cleanPath(e.key, i)
		if e.gen.readers > 0 {
			g := s.garbagePath(e.key, i, e.seq)
			if err := os.Rename(path, g); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			} else if err == nil {
				garbage = append(garbage, g)
			}
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	e.gen.retire(garbage)

	s.size -= e.size()
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)

	if err := s.appendRecord(opRemove+" "+e.key, true, false); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return true, errors.Wrap(errors.ErrCodeIO, "failed to delete stream files", firstErr).
			WithComponent("disklru").WithOperation("remove").WithContext("key", e.key)
	}
	return true, nil
}

// Exists reports whether key has a committed value.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.readable
}

// Clear removes every entry that has no edit in flight.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("disklru").WithOperation("clear")
	}

	var firstErr error
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.editor == nil {
			if _, err := s.removeEntryLocked(e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		el = prev
	}
	s.scheduleCompactionLocked()
	s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
	return firstErr
}

// Size returns the bytes used by committed streams.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxSize returns the byte budget.
func (s *Store) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// SetMaxSize changes the budget and evicts if the store is now over it.
func (s *Store) SetMaxSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return
	}
	s.maxSize = n
	s.trimToSizeLocked()
	s.opts.metrics.UpdateCacheSize(s.opts.tier, s.size, s.maxSize)
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ValueCount returns the number of streams per entry.
func (s *Store) ValueCount() int {
	return s.opts.valueCount
}

// Stats returns usage counters.
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	entries := 0
	for _, e := range s.entries {
		if e.readable {
			entries++
		}
	}
	stats := types.CacheStats{
		Entries:  entries,
		Size:     s.size,
		Capacity: s.maxSize,
	}
	s.mu.Unlock()

	stats.Hits = s.hits.Load()
	stats.Misses = s.misses.Load()
	stats.Evictions = s.evictions.Load()
	stats.ComputeRates()
	return stats
}

// Flush pushes buffered journal records to the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jw == nil {
		return nil
	}
	if err := s.jw.Flush(); err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to flush journal", err).
			WithComponent("disklru").WithOperation("flush")
	}
	return nil
}

// Compact rewrites the journal now.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("disklru").WithOperation("compact")
	}
	return s.rewriteJournalLocked()
}

// Close aborts in-flight edits, flushes and closes the journal and stops
// background maintenance. Open snapshots stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	for _, e := range s.entries {
		if e.editor != nil {
			e.editor.abortLocked()
		}
	}
	s.closed = true
	err := s.closeJournal()
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to close journal", err).
			WithComponent("disklru").WithOperation("close")
	}
	return nil
}

// trimToSizeLocked evicts least recently used entries until the store fits
// its budget. Entries with an edit in flight are skipped; they are
// reconsidered when the edit ends.
func (s *Store) trimToSizeLocked() {
	evicted := 0
	for el := s.lru.Back(); el != nil && s.size > s.maxSize; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.editor == nil && e.readable {
			if _, err := s.removeEntryLocked(e); err != nil {
				s.logger.Warn("Eviction failed to delete files", map[string]interface{}{"key": e.key, "error": err})
			}
			evicted++
		}
		el = prev
	}
	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
		s.opts.metrics.RecordEviction(s.opts.tier, evicted)
		s.logger.Debug("Evicted entries", map[string]interface{}{"count": evicted, "size": s.size})
	}
}

func (s *Store) scheduleCompactionLocked() {
	if !s.journalRebuildRequired() {
		return
	}
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

func (s *Store) compactLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.compactCh:
			s.mu.Lock()
			if !s.closed && s.journalRebuildRequired() {
				if err := s.rewriteJournalLocked(); err != nil {
					s.logger.Warn("Background journal rewrite failed", map[string]interface{}{"error": err})
				} else {
					s.recordRebuild("compaction")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) recordRebuild(reason string) {
	s.opts.metrics.RecordJournalRebuild(s.opts.tier, reason)
}

// release is called by Snapshot.Close.
func (s *Store) release(gen *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen.readers--
	if gen.readers == 0 && gen.retired {
		gen.unlink()
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("disklru.Store{dir=%s}", s.dir)
}
