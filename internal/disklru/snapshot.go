package disklru

import (
	"io"
	"os"
	"sync"

	"github.com/pixcache/pixcache/pkg/errors"
)

// Snapshot is an immutable view of one committed generation of an entry.
// Its files are opened by Get, so later edits and removals do not affect
// it. A Snapshot must be closed.
type Snapshot struct {
	store   *Store
	key     string
	seq     uint64
	files   []*os.File
	lengths []int64
	gen     *generation

	closeOnce sync.Once
	closeErr  error
}

// Key returns the entry key.
func (sn *Snapshot) Key() string {
	return sn.key
}

// Length returns the byte length of stream i.
func (sn *Snapshot) Length(i int) int64 {
	return sn.lengths[i]
}

// Reader returns an independent reader over stream i. Readers from the same
// snapshot may be used concurrently.
func (sn *Snapshot) Reader(i int) *io.SectionReader {
	return io.NewSectionReader(sn.files[i], 0, sn.lengths[i])
}

// Bytes reads stream i fully.
func (sn *Snapshot) Bytes(i int) ([]byte, error) {
	buf := make([]byte, sn.lengths[i])
	if _, err := io.ReadFull(sn.Reader(i), buf); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIO, "failed to read stream", err).
			WithComponent("disklru").WithOperation("read").WithContext("key", sn.key)
	}
	return buf, nil
}

// Edit returns an editor for the entry if it has not changed since this
// snapshot was taken.
func (sn *Snapshot) Edit() (*Editor, error) {
	return sn.store.edit(sn.key, sn.seq, true)
}

// Close releases the snapshot's files. Safe to call more than once.
func (sn *Snapshot) Close() error {
	sn.closeOnce.Do(func() {
		for _, f := range sn.files {
			if err := f.Close(); err != nil && sn.closeErr == nil {
				sn.closeErr = err
			}
		}
		sn.store.release(sn.gen)
	})
	return sn.closeErr
}
