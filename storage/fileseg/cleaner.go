package fileseg

import (
	"sync"

	"github.com/mphelps/arclog/compaction"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// recordCleaner is the store owned entry.Cleaner for a single durable
// record. Any number of entry values may share one cleaner, so its offset
// and mode are atomics: readers observe a consistent snapshot while a Clean
// or a compaction pass updates them. Clean calls are serialized by mtx.
type recordCleaner struct {
	store *Store
	index uint64

	// mtx serializes Clean calls for this record
	mtx sync.Mutex

	segment *atomic.Int32
	offset  *atomic.Int64
	mode    *atomic.Int32
}

func newRecordCleaner(store *Store, index uint64, segment int, offset int64, mode compaction.Mode) *recordCleaner {
	return &recordCleaner{
		store:   store,
		index:   index,
		segment: atomic.NewInt32(int32(segment)),
		offset:  atomic.NewInt64(offset),
		mode:    atomic.NewInt32(int32(mode)),
	}
}

// Offset returns the record's physical position in its segment.
func (c *recordCleaner) Offset() int64 {
	return c.offset.Load()
}

// Mode returns the mode the record was cleaned with, or compaction.None.
func (c *recordCleaner) Mode() compaction.Mode {
	return compaction.Mode(c.mode.Load())
}

// Clean marks the record eligible for reclamation under mode. The payload is
// dropped by the next compaction pass over the record's segment, not before
// Clean returns. A record can not be cleaned with compaction.None and a
// cleaned record keeps its original mode.
func (c *recordCleaner) Clean(mode compaction.Mode) error {
	if mode == compaction.None {
		return errors.New("cannot clean record with mode none")
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if compaction.Mode(c.mode.Load()) != compaction.None {
		return nil // already marked, reclamation is not cancellable
	}

	c.mode.Store(int32(mode))
	c.store.markCleaned(c)

	return nil
}

// relocate points the cleaner at the record's new physical position after a
// compaction pass rewrote its segment.
func (c *recordCleaner) relocate(segment int, offset int64) {
	c.segment.Store(int32(segment))
	c.offset.Store(offset)
}
