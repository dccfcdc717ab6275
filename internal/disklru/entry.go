package disklru

import (
	"container/list"
	"os"
)

// generation tracks the readers of one committed version of an entry.
// When a generation is superseded or removed while readers remain, its
// files are renamed to garbage names and unlinked by the last reader.
type generation struct {
	readers int
	retired bool
	garbage []string
}

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
	seq      uint64
	gen      *generation
	elem     *list.Element

	// replay only: last journal record for the key was DIRTY
	dirtyPending bool
}

func newEntry(key string, valueCount int) *entry {
	return &entry{
		key:     key,
		lengths: make([]int64, valueCount),
		gen:     &generation{},
	}
}

func (e *entry) size() int64 {
	if !e.readable {
		return 0
	}
	var total int64
	for _, l := range e.lengths {
		total += l
	}
	return total
}

// retire marks gen superseded. Files in garbage are unlinked now if nobody
// reads the generation, otherwise when the last reader closes.
func (g *generation) retire(garbage []string) {
	g.retired = true
	g.garbage = append(g.garbage, garbage...)
	if g.readers == 0 {
		g.unlink()
	}
}

func (g *generation) unlink() {
	for _, path := range g.garbage {
		_ = os.Remove(path)
	}
	g.garbage = nil
}
