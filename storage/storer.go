// Package storage defines the interface between the log and its durable
// storage engine. A storage engine owns physical record placement: it
// allocates byte offsets, produces the cleaner each appended entry is bound
// to, and decides when cleaned payloads are physically reclaimed.
package storage

import (
	"io"

	"github.com/mphelps/arclog/entry"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no entry exists at a requested index.
var ErrNotFound = errors.New("entry not found")

// Storer is the interface a storage engine implements. An engine can be as
// simple as an in memory table or a series of segmented files with
// background compaction. Engines only expose log indexes as positions;
// physical offsets are reachable through an entry's cleaner, which lets an
// engine move records during compaction without breaking readers.
type Storer interface {
	// Append durably accepts a fresh entry and returns the bound value.
	// The passed entry is unchanged.
	Append(e *entry.Entry) (*entry.Entry, error)
	// Read returns the bound entry at index, or ErrNotFound. Reads of a
	// reclaimed record yield a payload absent entry whose index and term
	// are still present.
	Read(index uint64) (*entry.Entry, error)
	// Begin returns a forward iterator starting at the first index.
	Begin() ForwardIterator
	// FirstIndex returns the lowest stored index, or 0 when empty.
	FirstIndex() uint64
	// LastIndex returns the highest stored index, or 0 when empty.
	LastIndex() uint64
	// Close releases any resources associated with the engine.
	io.Closer
}

// ForwardIterator iterates over stored entries in index order. It returns
// io.EOF once the end of the log is reached. ForwardIterators are not safe
// for concurrent use.
type ForwardIterator interface {
	Next() (*entry.Entry, error)
}
