// Package log implements the replicated log facade over a storage engine.
// The log assigns indexes and enforces term ordering; entry placement,
// binding and reclamation belong to the storage engine underneath.
package log

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/storage"
)

// Log is an append only replicated log. Appends are serialized; reads are
// safe for any number of concurrent readers.
type Log struct {
	// mtx serializes appends
	mtx sync.Mutex

	log      *logrus.Logger
	store    storage.Storer
	registry *entry.Registry

	lastIndex   *atomic.Uint64
	lastTerm    *atomic.Uint64
	commitIndex *atomic.Uint64
}

// New returns a log over store. Existing entries in the store are adopted:
// the log continues from the store's last index and term.
func New(l *logrus.Logger, store storage.Storer, registry *entry.Registry) (*Log, error) {
	lg := &Log{
		log:         l,
		store:       store,
		registry:    registry,
		lastIndex:   atomic.NewUint64(0),
		lastTerm:    atomic.NewUint64(0),
		commitIndex: atomic.NewUint64(0),
	}

	if last := store.LastIndex(); last != 0 {
		e, err := store.Read(last)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read last entry %d", last)
		}

		lg.lastIndex.Store(e.Index())
		lg.lastTerm.Store(e.Term())

		l.Debugf("log adopted existing store, last index %d term %d", e.Index(), e.Term())
	}

	return lg, nil
}

// Append writes payload as the next entry under term and returns the bound
// entry. Terms never decrease as indexes increase; an older term is
// rejected. The entry's serialized payload size is computed here, before the
// entry exists anywhere, so Size is known whether or not a cleaner is ever
// bound.
func (l *Log) Append(term uint64, payload entry.Payload) (*entry.Entry, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if last := l.lastTerm.Load(); term < last {
		return nil, errors.Errorf("term %d is older than last term %d", term, last)
	}

	size, err := payloadSize(l.registry, payload)
	if err != nil {
		return nil, err
	}

	index := l.lastIndex.Load() + 1

	bound, err := l.store.Append(entry.New(index, term, payload, size))
	if err != nil {
		return nil, err
	}

	l.lastIndex.Store(index)
	l.lastTerm.Store(term)

	l.log.Debugf("appended entry %d term %d (%d payload bytes)", index, term, size)

	return bound, nil
}

// Read returns the entry at index.
func (l *Log) Read(index uint64) (*entry.Entry, error) {
	return l.store.Read(index)
}

// Begin returns a forward iterator over the log's entries.
func (l *Log) Begin() storage.ForwardIterator {
	return l.store.Begin()
}

// Commit advances the commit watermark to index. The watermark never moves
// backwards and can not pass the last appended index.
func (l *Log) Commit(index uint64) error {
	if index > l.lastIndex.Load() {
		return errors.Errorf("cannot commit index %d past last index %d", index, l.lastIndex.Load())
	}

	for {
		current := l.commitIndex.Load()
		if index <= current {
			return nil
		}

		if l.commitIndex.CompareAndSwap(current, index) {
			return nil
		}
	}
}

// CommitIndex returns the commit watermark, 0 if nothing is committed.
func (l *Log) CommitIndex() uint64 {
	return l.commitIndex.Load()
}

// FirstIndex returns the lowest stored index, or 0 when the log is empty.
func (l *Log) FirstIndex() uint64 {
	return l.store.FirstIndex()
}

// LastIndex returns the highest appended index, or 0 when the log is empty.
func (l *Log) LastIndex() uint64 {
	return l.lastIndex.Load()
}

// LastTerm returns the term of the last appended entry.
func (l *Log) LastTerm() uint64 {
	return l.lastTerm.Load()
}

// Close closes the underlying storage engine.
func (l *Log) Close() error {
	return l.store.Close()
}

// payloadSize returns the number of bytes payload occupies in its serialized
// form, by running the registered encoder against a counting sink.
func payloadSize(registry *entry.Registry, payload entry.Payload) (uint32, error) {
	if payload == nil {
		return 0, errors.New("cannot append nil payload")
	}

	d, err := registry.Resolve(payload.Type())
	if err != nil {
		return 0, err
	}

	var cw countingWriter
	if err := d.Codec.EncodePayload(&cw, payload); err != nil {
		return 0, errors.Wrapf(err, "could not size %s payload", d.Name)
	}

	return uint32(cw.n), nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

var _ io.Writer = (*countingWriter)(nil)
