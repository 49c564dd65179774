// Package entry implements the indexed log entry at the core of arclog.
// An Entry is an immutable (index, term, payload) triple produced and
// consumed by the storage layer. Payload bytes can be physically reclaimed
// from storage long after the entry was written; the entry's index and term
// remain logically present, and the binding between an in memory entry value
// and its durable record is the Cleaner.
package entry

import (
	"fmt"

	"github.com/mphelps/arclog/compaction"
	"github.com/pkg/errors"
)

// UnknownOffset is reported by Offset for entries that are not bound to a
// durable record and therefore have no physical position.
const UnknownOffset int64 = -1

var (
	// ErrNotBound is returned when compaction is requested on an entry
	// that is not tracked by durable storage.
	ErrNotBound = errors.New("entry is not bound to storage")

	// ErrNotAvailable is returned when type metadata is requested for an
	// entry whose payload has been reclaimed.
	ErrNotAvailable = errors.New("entry payload has been reclaimed")
)

// Cleaner is the storage owned handle through which an entry requests and
// observes its own reclamation. A single cleaner may be shared by any number
// of entry values referencing the same durable record: Offset and Mode must
// be safe to call concurrently with a Clean in flight, and Clean calls for
// one record are serialized by the implementation.
type Cleaner interface {
	// Offset returns the record's physical position in its segment.
	Offset() int64
	// Mode returns the compaction mode the record was cleaned with,
	// or compaction.None if it has not been cleaned.
	Mode() compaction.Mode
	// Clean marks the record eligible for reclamation under mode. It does
	// not guarantee the payload is dropped before it returns; storage
	// reclaims the bytes on its own schedule.
	Clean(mode compaction.Mode) error
}

// Entry is an indexed log entry. Its fields never change after construction;
// the only mutable state reachable from an entry is the cleaner it may be
// bound to. A nil payload means the entry has been compacted, which is
// terminal.
type Entry struct {
	index   uint64
	term    uint64
	payload Payload
	size    uint32
	cleaner Cleaner
}

// New returns a fresh entry that is not yet bound to storage.
// size is the payload's serialized byte count.
func New(index, term uint64, payload Payload, size uint32) *Entry {
	return &Entry{
		index:   index,
		term:    term,
		payload: payload,
		size:    size,
	}
}

// NewCompacted returns an entry whose payload has been reclaimed.
// The storage layer yields these for reads of reclaimed records.
func NewCompacted(index, term uint64) *Entry {
	return &Entry{
		index: index,
		term:  term,
	}
}

// Bind returns a copy of the entry bound to cleaner. The receiver is
// unchanged; binding happens once storage has durably accepted the entry,
// and storage hands the bound value back to the caller.
func (e *Entry) Bind(cleaner Cleaner) *Entry {
	return &Entry{
		index:   e.index,
		term:    e.term,
		payload: e.payload,
		size:    e.size,
		cleaner: cleaner,
	}
}

// Index returns the entry's position in the log.
func (e *Entry) Index() uint64 {
	return e.index
}

// Term returns the leadership epoch the entry was appended under.
func (e *Entry) Term() uint64 {
	return e.term
}

// Type returns the payload's type tag.
// It returns ErrNotAvailable if the payload has been reclaimed.
func (e *Entry) Type() (Type, error) {
	if e.payload == nil {
		return TypeNone, ErrNotAvailable
	}

	return e.payload.Type(), nil
}

// Payload returns the entry's payload, or nil if it has been reclaimed.
func (e *Entry) Payload() Payload {
	return e.payload
}

// Size returns the payload's serialized byte count.
func (e *Entry) Size() uint32 {
	return e.size
}

// Offset returns the entry's physical position in its storage segment, or
// UnknownOffset if the entry is not bound to a durable record.
func (e *Entry) Offset() int64 {
	if e.cleaner == nil {
		return UnknownOffset
	}

	return e.cleaner.Offset()
}

// Compact requests reclamation of the entry's payload under mode.
// It returns ErrNotBound for entries not tracked by durable storage.
// Errors from the underlying cleaner are propagated as is.
func (e *Entry) Compact(mode compaction.Mode) error {
	if e.cleaner == nil {
		return ErrNotBound
	}

	return e.cleaner.Clean(mode)
}

// Committed reports whether the entry has been committed to the log. A bound
// entry has been durably accepted by storage, and a compacted entry is by
// definition durable even when the value at hand is unbound.
func (e *Entry) Committed() bool {
	return e.payload == nil || e.cleaner != nil
}

// Compacted reports whether the entry's payload has been reclaimed.
func (e *Entry) Compacted() bool {
	return e.payload == nil
}

// CompactionMode returns the mode the entry's record was cleaned with. It
// returns compaction.None for unbound entries and for bound entries that
// have not been cleaned.
func (e *Entry) CompactionMode() compaction.Mode {
	if e.cleaner == nil {
		return compaction.None
	}

	return e.cleaner.Mode()
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry[index=%d, term=%d, payload=%v]", e.index, e.term, e.payload)
}
