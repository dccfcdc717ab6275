package disklru

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pixcache/pixcache/pkg/errors"
)

const (
	journalFile   = "journal"
	journalTmp    = "journal.tmp"
	journalBackup = "journal.bkp"

	magic         = "pixcache.disklru"
	formatVersion = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.NewError(errors.ErrCodeInvalidKey, fmt.Sprintf("keys must match %s: %q", keyPattern, key)).
			WithComponent("disklru")
	}
	return nil
}

func (s *Store) cleanPath(key string, i int) string {
	return filepath.Join(s.dir, key+"."+strconv.Itoa(i))
}

func (s *Store) tmpPath(key string, i int) string {
	return s.cleanPath(key, i) + ".tmp"
}

func (s *Store) garbagePath(key string, i int, seq uint64) string {
	return s.cleanPath(key, i) + "." + strconv.FormatUint(seq, 10) + ".old"
}

// replayError classifies replay failures. A bad header means the directory
// belongs to another format and is wiped. A bad body is rebuilt from the
// stream files.
type replayError struct {
	header bool
	msg    string
}

func (e *replayError) Error() string { return e.msg }

func headerError(format string, args ...interface{}) error {
	return &replayError{header: true, msg: fmt.Sprintf(format, args...)}
}

func bodyError(format string, args ...interface{}) error {
	return &replayError{msg: fmt.Sprintf(format, args...)}
}

// replayResult is what a journal replay learned beyond the entry index.
type replayResult struct {
	lines         int
	truncatedTail bool
}

// readJournal replays the journal into s.entries and s.lru.
func (s *Store) readJournal() (replayResult, error) {
	var res replayResult

	f, err := os.Open(filepath.Join(s.dir, journalFile))
	if err != nil {
		return res, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	readLine := func() (string, bool, error) {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				res.truncatedTail = true
			}
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return strings.TrimSuffix(line, "\n"), true, nil
	}

	want := []string{magic, formatVersion, strconv.Itoa(s.opts.appVersion), strconv.Itoa(s.opts.valueCount), ""}
	for i, expected := range want {
		line, ok, err := readLine()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, headerError("journal header truncated at line %d", i+1)
		}
		if line != expected {
			return res, headerError("journal header line %d is %q, want %q", i+1, line, expected)
		}
	}

	for {
		line, ok, err := readLine()
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if err := s.replayLine(line); err != nil {
			return res, err
		}
		res.lines++
	}

	return res, nil
}

func (s *Store) replayLine(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return bodyError("unexpected journal line: %q", line)
	}
	op, key := fields[0], fields[1]
	if !keyPattern.MatchString(key) {
		return bodyError("invalid key in journal line: %q", line)
	}

	if op == opRemove {
		if len(fields) != 2 {
			return bodyError("unexpected journal line: %q", line)
		}
		if e, ok := s.entries[key]; ok {
			s.lru.Remove(e.elem)
			delete(s.entries, key)
		}
		return nil
	}

	e, ok := s.entries[key]
	if !ok {
		e = newEntry(key, s.opts.valueCount)
		s.entries[key] = e
		e.elem = s.lru.PushFront(e)
	} else {
		s.lru.MoveToFront(e.elem)
	}

	switch {
	case op == opClean && len(fields) == 2+s.opts.valueCount:
		lengths := make([]int64, s.opts.valueCount)
		for i, raw := range fields[2:] {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				return bodyError("invalid length in journal line: %q", line)
			}
			lengths[i] = n
		}
		e.lengths = lengths
		e.readable = true
		e.dirtyPending = false
	case op == opDirty && len(fields) == 2:
		e.dirtyPending = true
	case op == opRead && len(fields) == 2:
		// recency only
	default:
		return bodyError("unexpected journal line: %q", line)
	}
	return nil
}

func cleanRecord(key string, lengths []int64) string {
	var sb strings.Builder
	sb.WriteString(opClean)
	sb.WriteByte(' ')
	sb.WriteString(key)
	for _, l := range lengths {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(l, 10))
	}
	return sb.String()
}

// appendRecord writes one journal line. flush pushes it to the file and
// sync additionally fsyncs.
func (s *Store) appendRecord(line string, flush, sync bool) error {
	if s.jw == nil {
		return errors.NewError(errors.ErrCodeIO, "journal is not open").
			WithComponent("disklru").WithOperation("append")
	}
	if _, err := s.jw.WriteString(line + "\n"); err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to append journal record", err).
			WithComponent("disklru").WithOperation("append")
	}
	s.journalLines++
	if !flush && !sync {
		return nil
	}
	if err := s.jw.Flush(); err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to flush journal", err).
			WithComponent("disklru").WithOperation("append")
	}
	if sync {
		if err := s.journal.Sync(); err != nil {
			return errors.Wrap(errors.ErrCodeIO, "failed to sync journal", err).
				WithComponent("disklru").WithOperation("append")
		}
	}
	return nil
}

func (s *Store) openJournalForAppend() error {
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIO, "failed to open journal", err).
			WithComponent("disklru").WithOperation("open")
	}
	s.journal = f
	s.jw = bufio.NewWriter(f)
	return nil
}

func (s *Store) closeJournal() error {
	if s.journal == nil {
		return nil
	}
	flushErr := s.jw.Flush()
	closeErr := s.journal.Close()
	s.journal, s.jw = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// rewriteJournalLocked replaces the journal with the minimal record set for
// the current index: journal.tmp is written and synced, the live journal is
// kept as journal.bkp during the swap and then deleted.
func (s *Store) rewriteJournalLocked() error {
	if err := s.closeJournal(); err != nil {
		s.logger.Warn("Failed to close journal before rewrite", map[string]interface{}{"error": err})
	}

	lines, err := s.writeJournalTmp()
	if err == nil {
		err = s.swapJournal()
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.dir, journalTmp))
		// keep appending to whatever journal survived
		if openErr := s.openJournalForAppend(); openErr != nil {
			s.logger.Error("Journal unavailable, writes disabled", map[string]interface{}{"error": openErr})
		}
		return errors.Wrap(errors.ErrCodeIO, "failed to rewrite journal", err).
			WithComponent("disklru").WithOperation("compact")
	}

	s.journalLines = lines
	return s.openJournalForAppend()
}

func (s *Store) writeJournalTmp() (int, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, journalTmp), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)

	for _, h := range []string{magic, formatVersion, strconv.Itoa(s.opts.appVersion), strconv.Itoa(s.opts.valueCount), ""} {
		_, _ = w.WriteString(h + "\n")
	}

	lines := 0
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.readable {
			_, _ = w.WriteString(cleanRecord(e.key, e.lengths) + "\n")
			lines++
		}
		if e.editor != nil {
			_, _ = w.WriteString(opDirty + " " + e.key + "\n")
			lines++
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, err
	}
	return lines, f.Close()
}

func (s *Store) swapJournal() error {
	current := filepath.Join(s.dir, journalFile)
	backup := filepath.Join(s.dir, journalBackup)

	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(filepath.Join(s.dir, journalTmp), current); err != nil {
		// put the old journal back
		_ = os.Rename(backup, current)
		return err
	}
	_ = os.Remove(backup)
	return nil
}

func (s *Store) journalRebuildRequired() bool {
	redundant := s.journalLines - len(s.entries)
	return redundant >= s.opts.compactThreshold && redundant >= len(s.entries)
}
