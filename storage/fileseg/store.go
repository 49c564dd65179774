// Package fileseg implements segmented file based storage for indexed log
// entries with a deferred compaction process. Entries are appended to the
// tail segment and bound to a store owned cleaner tracking their physical
// position. Cleaning an entry only marks it eligible for reclamation; a
// compaction pass later rewrites the segment, replacing the payload bytes of
// cleaned records with a small reclaimed frame that keeps the record's index
// and term on disk. Because readers reach records through their cleaners,
// compaction can move records freely without invalidating held entries.
package fileseg

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/exp/mmap"

	"github.com/mphelps/arclog/compaction"
	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/metrics"
	"github.com/mphelps/arclog/storage"
)

const segmentSuffix = ".seg"

// StoreOption is a func that modifies the store's configuration options.
type StoreOption func(*options)

type options struct {
	segmentSize int64
	compaction  bool
	metrics     *metrics.Metrics
}

// SegmentSize sets the max size in bytes for a storage segment.
func SegmentSize(n int64) StoreOption {
	return func(opts *options) {
		opts.segmentSize = n
	}
}

// Compaction turns background segment compaction on or off, default is on.
// When off, cleaned records are only reclaimed by explicit Compact calls.
func Compaction(enabled bool) StoreOption {
	return func(opts *options) {
		opts.compaction = enabled
	}
}

// WithMetrics overrides the store's default unregistered metrics.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(opts *options) {
		opts.metrics = m
	}
}

// Store persists entries to segment files in a data directory.
// It implements the storage.Storer interface.
type Store struct {
	log     *logrus.Logger
	codec   *entry.Codec
	dirPath string

	segmentSize int64
	compaction  bool
	metrics     *metrics.Metrics

	// smtx guards segments and segment swaps
	smtx     sync.RWMutex
	segments []*segment

	// cmtx guards cleaners
	cmtx     sync.RWMutex
	cleaners map[uint64]*recordCleaner

	first *atomic.Uint64
	last  *atomic.Uint64

	cleaned    *atomic.Int64
	compacting *atomic.Bool
}

// NewStore returns a store over the data directory dir, creating it if
// needed and restoring state from any existing segment files. The codec's
// registry must cover every payload type appearing in existing segments.
func NewStore(log *logrus.Logger, dir string, codec *entry.Codec, opts ...StoreOption) (*Store, error) {
	cfg := &options{
		segmentSize: 1 << 22, // 4 MiB
		compaction:  true,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.metrics == nil {
		cfg.metrics = metrics.New(nil)
	}

	path, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", dir)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "could not create dir: %s", path)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "could not get info on dir: %s", path)
	}

	s := &Store{
		log:         log,
		codec:       codec,
		dirPath:     path,
		segmentSize: cfg.segmentSize,
		compaction:  cfg.compaction,
		metrics:     cfg.metrics,
		cleaners:    make(map[uint64]*recordCleaner),
		first:       atomic.NewUint64(0),
		last:        atomic.NewUint64(0),
		cleaned:     atomic.NewInt64(0),
		compacting:  atomic.NewBool(false),
	}

	if err := s.init(); err != nil {
		return nil, errors.Wrap(err, "could not initialize storage segments")
	}

	s.metrics.Segments.Set(float64(len(s.segments)))

	return s, nil
}

// init creates the initial segment for an empty data directory, or restores
// segments and the cleaner table from existing files.
func (s *Store) init() error {
	names, err := s.segmentFiles()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		s.log.Debug("no existing segment files found, initializing")

		seg, err := newSegment(s.newSegmentPath(), 0, s.segmentSize)
		if err != nil {
			return err
		}

		s.segments = append(s.segments, seg)

		return nil
	}

	return s.restore(names)
}

// restore opens existing segment files and rebuilds the cleaner table by
// scanning every frame. Reclaimed frames restore their persisted mode, so a
// record cleaned before shutdown still reports it afterwards.
func (s *Store) restore(names []string) error {
	segments := make([]*segment, 0, len(names))

	for _, name := range names {
		seg, err := openSegment(filepath.Join(s.dirPath, name))
		if err != nil {
			return err
		}

		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })

	s.segments = segments

	for _, seg := range segments {
		if err := s.scanSegment(seg); err != nil {
			return err
		}
	}

	s.log.Debugf("restored %d segments, indexes [%d, %d]", len(segments), s.first.Load(), s.last.Load())

	return nil
}

// scanSegment walks a segment's frames through a read only mapping and
// creates a cleaner for each record found.
func (s *Store) scanSegment(seg *segment) error {
	r, err := mmap.Open(seg.path)
	if err != nil {
		return errors.Wrapf(err, "could not map segment file: %s", seg.path)
	}
	defer r.Close()

	size := int64(r.Len())

	for pos := int64(segmentHeaderSize); pos < size; {
		e, mode, n, err := s.codec.DecodeFrame(io.NewSectionReader(r, pos, size-pos))
		if err != nil {
			if err == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
				// torn tail from an interrupted append, cut the file back to
				// the last good frame so the next append does not land after
				// the torn bytes
				s.log.Warnf("segment %d has a torn frame at offset %d, truncating", seg.index, pos)

				if err := seg.truncate(pos); err != nil {
					return err
				}

				break
			}

			return errors.Wrapf(err, "could not scan segment %d at offset %d", seg.index, pos)
		}

		cleaner := newRecordCleaner(s, e.Index(), seg.index, pos, mode)

		s.cmtx.Lock()
		s.cleaners[e.Index()] = cleaner
		s.cmtx.Unlock()

		if first := s.first.Load(); first == 0 || e.Index() < first {
			s.first.Store(e.Index())
		}

		if e.Index() > s.last.Load() {
			s.last.Store(e.Index())
		}

		pos += n
	}

	return nil
}

// Append encodes a fresh entry, writes it to the tail segment and returns
// the entry bound to its cleaner. The passed entry is unchanged.
// Entries must arrive in contiguous index order.
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

	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, e); err != nil {
		return nil, err
	}

	segIndex, offset, err := s.write(buf.Bytes())
	if err != nil {
		return nil, err
	}

	cleaner := newRecordCleaner(s, e.Index(), segIndex, offset, compaction.None)

	s.cmtx.Lock()
	s.cleaners[e.Index()] = cleaner
	s.cmtx.Unlock()

	if s.first.Load() == 0 {
		s.first.Store(e.Index())
	}
	s.last.Store(e.Index())

	s.metrics.EntriesAppended.Inc()

	return e.Bind(cleaner), nil
}

// write appends a frame to the tail segment, rolling to a new segment when
// the tail is full. A freshly rolled segment can itself fill up before this
// writer gets to it, so the append and roll repeat until the frame lands.
// It returns the segment index and frame offset.
func (s *Store) write(frame []byte) (int, int64, error) {
	for {
		s.smtx.RLock()
		tail := s.segments[len(s.segments)-1]
		s.smtx.RUnlock()

		offset, err := tail.append(frame)
		if err == nil {
			return tail.index, offset, nil
		}

		if err != errSegmentFull {
			return 0, 0, err
		}

		s.smtx.Lock()

		// another writer may have rolled while we waited for the lock
		if s.segments[len(s.segments)-1] == tail {
			seg, err := newSegment(s.newSegmentPath(), tail.index+1, s.segmentSize)
			if err != nil {
				s.smtx.Unlock()
				return 0, 0, err
			}

			s.log.Debugf("segment %d full, rolled to segment %d", tail.index, seg.index)

			s.segments = append(s.segments, seg)
			s.metrics.Segments.Set(float64(len(s.segments)))

			if s.compaction {
				go s.Compact()
			}
		}

		s.smtx.Unlock()
	}
}

// Read returns the bound entry at index. Reads of a reclaimed record yield a
// payload absent entry that still reports its index, term and mode.
func (s *Store) Read(index uint64) (*entry.Entry, error) {
	s.cmtx.RLock()
	cleaner, ok := s.cleaners[index]
	s.cmtx.RUnlock()

	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "index %d", index)
	}

	s.smtx.RLock()
	defer s.smtx.RUnlock()

	seg := s.segmentAt(int(cleaner.segment.Load()))
	if seg == nil {
		return nil, errors.Errorf("segment %d does not exist", cleaner.segment.Load())
	}

	e, _, _, err := s.codec.DecodeFrame(seg.readerAt(cleaner.Offset()))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read entry %d", index)
	}

	return e.Bind(cleaner), nil
}

// segmentAt returns the segment with the given header index, or nil.
// Callers hold smtx.
func (s *Store) segmentAt(index int) *segment {
	for _, seg := range s.segments {
		if seg.index == index {
			return seg
		}
	}

	return nil
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

// markCleaned is called by cleaners when a record is first marked eligible
// for reclamation.
func (s *Store) markCleaned(c *recordCleaner) {
	s.cleaned.Inc()
	s.metrics.EntriesCleaned.Inc()
	s.log.Debugf("entry %d marked for reclamation with mode %s", c.index, c.Mode())
}

// Compact runs one compaction pass over every segment except the active
// tail, rewriting segments that contain cleaned records so the payload bytes
// are reclaimed. Only one pass runs at a time; concurrent calls return
// immediately.
func (s *Store) Compact() {
	if !s.compacting.CompareAndSwap(false, true) {
		return
	}
	defer s.compacting.Store(false)

	s.smtx.RLock()
	targets := make([]*segment, len(s.segments)-1)
	copy(targets, s.segments[:len(s.segments)-1])
	s.smtx.RUnlock()

	for _, seg := range targets {
		if err := s.compactSegment(seg); err != nil {
			s.log.Errorf("could not compact segment %d: %v", seg.index, err)
		}
	}
}

// frameInfo describes one frame found while scanning a segment for rewrite.
type frameInfo struct {
	e       *entry.Entry
	cleaner *recordCleaner
	reclaim bool
}

// compactSegment rewrites seg into a fresh file, replacing the payloads of
// cleaned records with reclaimed frames, then swaps the new file in and
// points the affected cleaners at their new offsets.
func (s *Store) compactSegment(seg *segment) error {
	frames, err := s.collectFrames(seg)
	if err != nil {
		return err
	}

	rewrite := false
	for _, f := range frames {
		if f.reclaim {
			rewrite = true
			break
		}
	}

	if !rewrite {
		return nil
	}

	compacted, err := newSegment(s.newSegmentPath(), seg.index, seg.capacity)
	if err != nil {
		return err
	}

	offsets := make(map[*recordCleaner]int64, len(frames))
	dropped := 0

	for _, f := range frames {
		e := f.e
		if f.reclaim {
			e = entry.NewCompacted(e.Index(), e.Term())
			dropped++
		}

		if f.cleaner != nil {
			// keep the persisted mode byte for reclaimed frames
			e = e.Bind(f.cleaner)
		}

		var buf bytes.Buffer
		if err := s.codec.Encode(&buf, e); err != nil {
			return err
		}

		offset, err := compacted.append(buf.Bytes())
		if err != nil {
			return err
		}

		if f.cleaner != nil {
			offsets[f.cleaner] = offset
		}
	}

	if err := compacted.sync(); err != nil {
		return err
	}

	reclaimed := seg.size() - compacted.size()

	s.smtx.Lock()
	for i, old := range s.segments {
		if old == seg {
			s.segments[i] = compacted
			break
		}
	}

	for cleaner, offset := range offsets {
		cleaner.relocate(compacted.index, offset)
	}
	s.smtx.Unlock()

	if err := seg.remove(); err != nil {
		s.log.Errorf("could not remove old segment file: %v", err)
	}

	s.cleaned.Sub(int64(dropped))
	s.metrics.EntriesDropped.Add(float64(dropped))
	if reclaimed > 0 {
		s.metrics.BytesReclaimed.Add(float64(reclaimed))
	}

	s.log.Infof("compaction reclaimed %d bytes from segment %d (%d payloads dropped)", reclaimed, seg.index, dropped)

	return nil
}

// collectFrames scans seg and pairs each frame with its cleaner, marking the
// frames whose payloads are due for reclamation.
func (s *Store) collectFrames(seg *segment) ([]frameInfo, error) {
	var frames []frameInfo

	size := seg.size()

	for pos := int64(segmentHeaderSize); pos < size; {
		e, _, n, err := s.codec.DecodeFrame(seg.readerAt(pos))
		if err != nil {
			return nil, errors.Wrapf(err, "could not scan segment %d at offset %d", seg.index, pos)
		}

		s.cmtx.RLock()
		cleaner := s.cleaners[e.Index()]
		s.cmtx.RUnlock()

		frames = append(frames, frameInfo{
			e:       e,
			cleaner: cleaner,
			reclaim: cleaner != nil && cleaner.Mode() != compaction.None && !e.Compacted(),
		})

		pos += n
	}

	return frames, nil
}

// Close closes all underlying segment files.
func (s *Store) Close() error {
	s.smtx.Lock()
	defer s.smtx.Unlock()

	var firstErr error
	for _, seg := range s.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// segmentFiles returns the names of segment files in the data directory.
func (s *Store) segmentFiles() ([]string, error) {
	files, err := os.ReadDir(s.dirPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read dir: %s", s.dirPath)
	}

	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), segmentSuffix) {
			names = append(names, f.Name())
		}
	}

	return names, nil
}

// newSegmentPath returns the full path for a new segment data file.
func (s *Store) newSegmentPath() string {
	return filepath.Join(s.dirPath, uuid.New().String()+segmentSuffix)
}
