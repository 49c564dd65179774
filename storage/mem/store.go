// Package mem implements an in memory storage engine. It keeps every record
// in a table and reclaims cleaned payloads synchronously, which makes it the
// simplest Storer for tests and for embedders that do not need durability.
// Offsets are virtual positions assigned at append time.
package mem

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/mphelps/arclog/compaction"
	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/storage"
)

// Store is an in memory storage engine.
// It implements the storage.Storer interface.
type Store struct {
	// mtx guards records
	mtx     sync.RWMutex
	records map[uint64]*record

	first   *atomic.Uint64
	last    *atomic.Uint64
	nextPos *atomic.Int64
}

type record struct {
	e       *entry.Entry
	cleaner *recordCleaner
}

// NewStore returns an empty in memory store.
func NewStore() *Store {
	return &Store{
		records: make(map[uint64]*record),
		first:   atomic.NewUint64(0),
		last:    atomic.NewUint64(0),
		nextPos: atomic.NewInt64(0),
	}
}

// Append accepts a fresh entry and returns the bound value.
func (s *Store) Append(e *entry.Entry) (*entry.Entry, error) {
	if e == nil {
		return nil, errors.New("cannot append nil entry")
	}

	if e.Offset() != entry.UnknownOffset {
		return nil, errors.Errorf("entry %d is already bound to storage", e.Index())
	}

	if last := s.last.Load(); last != 0 && e.Index() != last+1 {
		return nil, errors.Errorf("non-contiguous append: expected index %d, got %d", last+1, e.Index())
	}

	cleaner := &recordCleaner{
		store:  s,
		index:  e.Index(),
		offset: atomic.NewInt64(s.nextPos.Inc() - 1),
		mode:   atomic.NewInt32(int32(compaction.None)),
	}

	s.mtx.Lock()
	s.records[e.Index()] = &record{e: e.Bind(cleaner), cleaner: cleaner}
	s.mtx.Unlock()

	if s.first.Load() == 0 {
		s.first.Store(e.Index())
	}
	s.last.Store(e.Index())

	return s.read(e.Index())
}

// Read returns the bound entry at index, or storage.ErrNotFound.
func (s *Store) Read(index uint64) (*entry.Entry, error) {
	return s.read(index)
}

func (s *Store) read(index uint64) (*entry.Entry, error) {
	s.mtx.RLock()
	rec, ok := s.records[index]
	s.mtx.RUnlock()

	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "index %d", index)
	}

	return rec.e, nil
}

// reclaim replaces the record's entry with its payload absent twin.
// Called by cleaners, which reclaim synchronously in this engine.
func (s *Store) reclaim(index uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[index]
	if !ok || rec.e.Compacted() {
		return
	}

	rec.e = entry.NewCompacted(rec.e.Index(), rec.e.Term()).Bind(rec.cleaner)
}

// Begin returns a forward iterator positioned before the first entry.
func (s *Store) Begin() storage.ForwardIterator {
	return &iterator{s: s}
}

// FirstIndex returns the lowest stored index, or 0 when the store is empty.
func (s *Store) FirstIndex() uint64 {
	return s.first.Load()
}

// LastIndex returns the highest stored index, or 0 when the store is empty.
func (s *Store) LastIndex() uint64 {
	return s.last.Load()
}

// Close is a no-op for the in memory engine.
func (s *Store) Close() error {
	return nil
}

// recordCleaner is the in memory entry.Cleaner. Clean reclaims the payload
// before returning, storage defined behavior the entry core allows.
type recordCleaner struct {
	store *Store
	index uint64

	// mtx serializes Clean calls for this record
	mtx sync.Mutex

	offset *atomic.Int64
	mode   *atomic.Int32
}

func (c *recordCleaner) Offset() int64 {
	return c.offset.Load()
}

func (c *recordCleaner) Mode() compaction.Mode {
	return compaction.Mode(c.mode.Load())
}

func (c *recordCleaner) Clean(mode compaction.Mode) error {
	if mode == compaction.None {
		return errors.New("cannot clean record with mode none")
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if compaction.Mode(c.mode.Load()) != compaction.None {
		return nil // already reclaimed
	}

	c.mode.Store(int32(mode))
	c.store.reclaim(c.index)

	return nil
}

// iterator walks entries in index order.
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
