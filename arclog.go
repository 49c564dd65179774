// Package arclog provides an append only replicated log whose entries can be
// physically reclaimed from storage long after they were written, while
// their index and term metadata stay logically present. The entry core lives
// in the entry package, storage engines under storage, and the log facade in
// the log package; this package defines the interfaces tying them together.
package arclog

import (
	"io"

	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/storage"
)

// Log is the interface the log facade implements. A Log assigns contiguous
// indexes under non-decreasing terms and exposes a commit watermark below
// which entries are typically released to compaction. Appending a payload
// yields the entry bound to its storage cleaner; reads of reclaimed records
// yield payload absent entries.
type Log interface {
	// Append writes payload as the next entry under term and returns the
	// bound entry.
	Append(term uint64, payload entry.Payload) (*entry.Entry, error)
	// Read returns the entry at index.
	Read(index uint64) (*entry.Entry, error)
	// Begin returns a forward iterator over the log's entries.
	Begin() storage.ForwardIterator
	// Commit advances the commit watermark, which never moves backwards.
	Commit(index uint64) error
	// CommitIndex returns the commit watermark, 0 if nothing is committed.
	CommitIndex() uint64
	// FirstIndex returns the lowest stored index, or 0 when empty.
	FirstIndex() uint64
	// LastIndex returns the highest appended index, or 0 when empty.
	LastIndex() uint64
	// Close releases the log's underlying storage.
	io.Closer
}
