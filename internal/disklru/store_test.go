package disklru

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixcache/pixcache/pkg/errors"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// crash stops the store the way a killed process would: buffered journal
// records are lost and in-flight edits are left behind.
func crash(s *Store) {
	s.mu.Lock()
	s.closed = true
	if s.journal != nil {
		_ = s.journal.Close()
	}
	s.journal, s.jw = nil, nil
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

func put(t *testing.T, s *Store, key string, values ...string) {
	t.Helper()
	ed, err := s.Edit(key)
	require.NoError(t, err)
	defer ed.AbortUnlessCommitted()
	for i, v := range values {
		require.NoError(t, ed.Set(i, []byte(v)))
	}
	require.NoError(t, ed.Commit())
}

func read(t *testing.T, s *Store, key string) []string {
	t.Helper()
	snap := s.Get(key)
	if snap == nil {
		return nil
	}
	defer func() { _ = snap.Close() }()
	out := make([]string, s.ValueCount())
	for i := range out {
		b, err := snap.Bytes(i)
		require.NoError(t, err)
		out[i] = string(b)
	}
	return out
}

func journalText(t *testing.T, dir string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, journalFile))
	require.NoError(t, err)
	return string(b)
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	put(t, s, "k1", "payload", `{"mime":"image/png"}`)

	assert.Equal(t, []string{"payload", `{"mime":"image/png"}`}, read(t, s, "k1"))
	assert.True(t, s.Exists("k1"))
	assert.Equal(t, int64(len("payload")+len(`{"mime":"image/png"}`)), s.Size())

	require.NoError(t, s.Close())

	reopened := openStore(t, dir)
	assert.Equal(t, []string{"payload", `{"mime":"image/png"}`}, read(t, reopened, "k1"))
	assert.Equal(t, s.Size(), reopened.Size())
}

func TestSnapshotReaderAndLength(t *testing.T) {
	s := openStore(t, t.TempDir())
	put(t, s, "k", "hello world", "")

	snap := s.Get("k")
	require.NotNil(t, snap)
	defer func() { _ = snap.Close() }()

	assert.Equal(t, "k", snap.Key())
	assert.Equal(t, int64(11), snap.Length(0))
	assert.Equal(t, int64(0), snap.Length(1))

	buf := make([]byte, 5)
	_, err := snap.Reader(0).ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestGetMissAndInvalidKey(t *testing.T) {
	s := openStore(t, t.TempDir())

	assert.Nil(t, s.Get("absent"))
	assert.Nil(t, s.Get("Not/Valid"))

	_, err := s.Edit("UPPER")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidKey))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEditConflict(t *testing.T) {
	s := openStore(t, t.TempDir())

	first, err := s.Edit("k")
	require.NoError(t, err)

	second, err := s.Edit("k")
	assert.Nil(t, second)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEditConflict))

	first.Abort()

	third, err := s.Edit("k")
	require.NoError(t, err)
	third.Abort()
}

func TestConcurrentEditsSingleWinner(t *testing.T) {
	s := openStore(t, t.TempDir())

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	editors := make(chan *Editor, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ed, err := s.Edit("shared")
			if err == nil {
				winners.Add(1)
				editors <- ed
			}
		}()
	}
	close(start)
	wg.Wait()
	close(editors)

	assert.Equal(t, int32(1), winners.Load())
	for ed := range editors {
		ed.Abort()
	}
}

func TestAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	ed, err := s.Edit("k")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("partial")))
	require.NoError(t, ed.Set(1, []byte("meta")))
	ed.Abort()
	ed.Abort() // idempotent

	assert.Nil(t, s.Get("k"))
	assert.False(t, s.Exists("k"))
	assert.Equal(t, int64(0), s.Size())

	matches, err := filepath.Glob(filepath.Join(dir, "k.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, s.Flush())
	assert.NotContains(t, journalText(t, dir), "CLEAN k")
}

func TestAbortUnlessCommittedAfterCommit(t *testing.T) {
	s := openStore(t, t.TempDir())

	ed, err := s.Edit("k")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("a")))
	require.NoError(t, ed.Set(1, []byte("b")))
	require.NoError(t, ed.Commit())
	ed.AbortUnlessCommitted()

	assert.True(t, ed.Committed())
	assert.Equal(t, []string{"a", "b"}, read(t, s, "k"))
	assert.Error(t, ed.Commit(), "second commit must fail")
}

func TestNewEntryMustWriteEveryStream(t *testing.T) {
	s := openStore(t, t.TempDir())

	ed, err := s.Edit("k")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("only payload")))

	err = ed.Commit()
	assert.True(t, errors.IsCode(err, errors.ErrCodeIncomplete))
	assert.Nil(t, s.Get("k"))

	// slot freed
	ed2, err := s.Edit("k")
	require.NoError(t, err)
	ed2.Abort()
}

func TestPartialUpdateKeepsOtherStreams(t *testing.T) {
	s := openStore(t, t.TempDir())
	put(t, s, "k", "v1", "meta")

	ed, err := s.Edit("k")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("version two")))
	require.NoError(t, ed.Commit())

	assert.Equal(t, []string{"version two", "meta"}, read(t, s, "k"))
	assert.Equal(t, int64(len("version two")+len("meta")), s.Size())
}

func TestNewWriterStreaming(t *testing.T) {
	s := openStore(t, t.TempDir())

	ed, err := s.Edit("k")
	require.NoError(t, err)
	defer ed.AbortUnlessCommitted()

	w, err := ed.NewWriter(0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w.Write(bytes.Repeat([]byte{'x'}, 100))
		require.NoError(t, err)
	}
	// left open on purpose; Commit closes it
	require.NoError(t, ed.Set(1, nil))
	require.NoError(t, ed.Commit())

	snap := s.Get("k")
	require.NotNil(t, snap)
	defer func() { _ = snap.Close() }()
	assert.Equal(t, int64(1000), snap.Length(0))

	_, err = ed.NewWriter(0)
	assert.Error(t, err, "finished editor must not hand out writers")
	_, err = ed.NewWriter(5)
	assert.Error(t, err)
}

func TestEvictionLRU(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxSize(1000))

	value := strings.Repeat("a", 400)
	put(t, s, "a", value, "")
	put(t, s, "b", value, "")
	put(t, s, "c", value, "")

	assert.Nil(t, s.Get("a"), "least recently used entry must be evicted")
	assert.NotNil(t, read(t, s, "b"))
	assert.NotNil(t, read(t, s, "c"))
	assert.Equal(t, int64(800), s.Size())
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestEvictionFollowsReads(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxSize(1000))

	value := strings.Repeat("a", 400)
	put(t, s, "a", value, "")
	put(t, s, "b", value, "")
	_ = read(t, s, "a") // a is now more recent than b
	put(t, s, "c", value, "")

	assert.NotNil(t, read(t, s, "a"))
	assert.Nil(t, s.Get("b"))
}

func TestEvictionSkipsInFlightEdit(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxSize(1000))

	value := strings.Repeat("a", 400)
	put(t, s, "a", value, "")

	ed, err := s.Edit("a")
	require.NoError(t, err)

	put(t, s, "b", value, "")
	put(t, s, "c", value, "")

	// a is being edited, so b goes instead
	assert.True(t, s.Exists("a"))
	assert.False(t, s.Exists("b"))
	assert.Equal(t, int64(800), s.Size())

	ed.Abort()
}

func TestEvictedSnapshotStaysReadable(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithMaxSize(1000))

	put(t, s, "a", strings.Repeat("1", 600), "")
	snap := s.Get("a")
	require.NotNil(t, snap)

	put(t, s, "b", strings.Repeat("2", 600), "")
	assert.False(t, s.Exists("a"))

	b, err := snap.Bytes(0)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("1", 600), string(b))

	garbage, _ := filepath.Glob(filepath.Join(dir, "a.*.old"))
	assert.NotEmpty(t, garbage)

	require.NoError(t, snap.Close())
	garbage, _ = filepath.Glob(filepath.Join(dir, "a.*.old"))
	assert.Empty(t, garbage, "last reader must unlink garbage")
}

func TestSnapshotSurvivesSupersede(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	put(t, s, "k", "old", "m1")

	snap := s.Get("k")
	require.NotNil(t, snap)

	put(t, s, "k", "new", "m2")

	b, err := snap.Bytes(0)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	assert.Equal(t, []string{"new", "m2"}, read(t, s, "k"))

	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())

	garbage, _ := filepath.Glob(filepath.Join(dir, "*.old"))
	assert.Empty(t, garbage)
}

func TestSnapshotEditStale(t *testing.T) {
	s := openStore(t, t.TempDir())
	put(t, s, "k", "v1", "m")

	snap := s.Get("k")
	require.NotNil(t, snap)
	defer func() { _ = snap.Close() }()

	put(t, s, "k", "v2", "m")

	_, err := snap.Edit()
	assert.True(t, errors.IsCode(err, errors.ErrCodeEditConflict))

	fresh := s.Get("k")
	require.NotNil(t, fresh)
	defer func() { _ = fresh.Close() }()
	ed, err := fresh.Edit()
	require.NoError(t, err)
	ed.Abort()
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	put(t, s, "k", "v", "m")

	removed, err := s.Remove("k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Nil(t, s.Get("k"))
	assert.Equal(t, int64(0), s.Size())

	removed, err = s.Remove("k")
	require.NoError(t, err)
	assert.False(t, removed)

	ed, err := s.Edit("busy")
	require.NoError(t, err)
	_, err = s.Remove("busy")
	assert.True(t, errors.IsCode(err, errors.ErrCodeEditConflict))
	ed.Abort()

	matches, _ := filepath.Glob(filepath.Join(dir, "k.*"))
	assert.Empty(t, matches)
}

func TestClearSkipsEditingEntries(t *testing.T) {
	s := openStore(t, t.TempDir())
	put(t, s, "a", "1", "")
	put(t, s, "b", "2", "")

	ed, err := s.Edit("b")
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	assert.False(t, s.Exists("a"))
	assert.True(t, s.Exists("b"))

	require.NoError(t, ed.Set(0, []byte("22")))
	require.NoError(t, ed.Commit())
	assert.Equal(t, []string{"22", ""}, read(t, s, "b"))
}

func TestCommitLargerThanBudgetIsRejected(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithMaxSize(1000))
	put(t, s, "a", strings.Repeat("a", 400), "")
	put(t, s, "b", strings.Repeat("b", 400), "")

	ed, err := s.Edit("big")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte(strings.Repeat("x", 1500))))
	require.NoError(t, ed.Set(1, nil))
	err = ed.Commit()
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapacityExceeded))

	assert.False(t, s.Exists("big"))
	assert.True(t, s.Exists("a"))
	assert.True(t, s.Exists("b"))
	assert.Equal(t, int64(800), s.Size())
	assert.Equal(t, uint64(0), s.Stats().Evictions)
	matches, _ := filepath.Glob(filepath.Join(dir, "big.*"))
	assert.Empty(t, matches)

	// an oversized update keeps the previous value
	ed, err = s.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte(strings.Repeat("y", 1001))))
	assert.True(t, errors.IsCode(ed.Commit(), errors.ErrCodeCapacityExceeded))
	assert.Equal(t, []string{strings.Repeat("a", 400), ""}, read(t, s, "a"))
}

func TestNewWriterAfterAbortLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	ed, err := s.Edit("k")
	require.NoError(t, err)
	ed.Abort()

	_, err = ed.NewWriter(0)
	assert.Error(t, err)
	matches, _ := filepath.Glob(filepath.Join(dir, "k.*"))
	assert.Empty(t, matches)
}

func TestSnapshotEditAfterRemove(t *testing.T) {
	s := openStore(t, t.TempDir())
	put(t, s, "k", "v1", "m")

	snap := s.Get("k")
	require.NotNil(t, snap)
	defer func() { _ = snap.Close() }()

	_, err := s.Remove("k")
	require.NoError(t, err)

	_, err = snap.Edit()
	assert.True(t, errors.IsCode(err, errors.ErrCodeEntryNotFound))
}

func TestSetMaxSizeEvicts(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxSize(10_000))
	put(t, s, "a", strings.Repeat("x", 300), "")
	put(t, s, "b", strings.Repeat("x", 300), "")
	put(t, s, "c", strings.Repeat("x", 300), "")

	s.SetMaxSize(500)
	assert.Equal(t, int64(500), s.MaxSize())
	assert.Equal(t, int64(300), s.Size())
	assert.True(t, s.Exists("c"))

	s.SetMaxSize(0) // ignored
	assert.Equal(t, int64(500), s.MaxSize())
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	put(t, s, "k", "v", "m")

	ed, err := s.Edit("pending")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Nil(t, s.Get("k"))
	_, err = s.Edit("k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoreClosed))
	assert.Error(t, ed.Commit(), "editors are aborted by Close")
	assert.Error(t, s.Compact())
}

func TestOpenFailsWhenDirectoryCannotBeCreated(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := Open(filepath.Join(file, "cache"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIO))
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	put(t, s, "a", "1", "")
	put(t, s, "b", "2", "")
	for i := 0; i < 20; i++ {
		_ = read(t, s, "a")
	}
	_, err := s.Remove("b")
	require.NoError(t, err)

	require.NoError(t, s.Compact())

	lines := strings.Split(strings.TrimSuffix(journalText(t, dir), "\n"), "\n")
	// five header lines and one CLEAN record
	require.Len(t, lines, 6)
	assert.Equal(t, magic, lines[0])
	assert.Equal(t, "CLEAN a 1 0", lines[5])

	_, err = os.Stat(filepath.Join(dir, journalBackup))
	assert.True(t, os.IsNotExist(err))

	// the store keeps appending to the new journal
	put(t, s, "c", "3", "")
	require.NoError(t, s.Close())
	reopened := openStore(t, dir)
	assert.Equal(t, []string{"3", ""}, read(t, reopened, "c"))
	assert.Equal(t, []string{"1", ""}, read(t, reopened, "a"))
}

func TestBackgroundCompaction(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithCompactThreshold(50))
	put(t, s, "a", "1", "")

	for i := 0; i < 200; i++ {
		_ = read(t, s, "a")
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.journalLines <= 50
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Flush())
	assert.Less(t, strings.Count(journalText(t, dir), "READ a"), 200)
	assert.Equal(t, []string{"1", ""}, read(t, s, "a"))
}

func TestCompactionKeepsInFlightEdits(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	put(t, s, "a", "1", "m")

	ed, err := s.Edit("a")
	require.NoError(t, err)
	require.NoError(t, s.Compact())

	text := journalText(t, dir)
	assert.Contains(t, text, "CLEAN a 1 1\nDIRTY a\n")

	require.NoError(t, ed.Set(0, []byte("22")))
	require.NoError(t, ed.Commit())
	assert.Equal(t, []string{"22", "m"}, read(t, s, "a"))
}

func TestStats(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxSize(100))
	put(t, s, "a", "12345", "")
	_ = read(t, s, "a")
	_ = s.Get("missing")

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(5), stats.Size)
	assert.Equal(t, int64(100), stats.Capacity)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}
