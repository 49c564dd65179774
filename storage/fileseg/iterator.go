package fileseg

import (
	"io"

	"github.com/mphelps/arclog/entry"
)

// iterator walks entries in index order. Iterating by index rather than by
// physical segment position keeps the iterator valid across compaction
// passes, which move records between files.
// It implements the storage.ForwardIterator interface.
type iterator struct {
	s    *Store
	next uint64
}

// Next returns the next entry, or io.EOF once the end of the log is reached.
func (i *iterator) Next() (*entry.Entry, error) {
	if i.next == 0 {
		i.next = i.s.FirstIndex()
	}

	if i.next == 0 || i.next > i.s.LastIndex() {
		return nil, io.EOF
	}

	e, err := i.s.Read(i.next)
	if err != nil {
		return nil, err
	}

	i.next++

	return e, nil
}
