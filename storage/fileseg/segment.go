package fileseg

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Each segment file starts with a fixed header:
//
//	<segment-index:8 BE><capacity:8 BE>
//
// Entry frames follow back to back. Segment files are uuid named, so the
// header index is what orders segments on restore.
const segmentHeaderSize = 16

var errSegmentFull = errors.New("segment full")

// segment is an individual storage segment backed by a file.
type segment struct {
	index    int
	capacity int64
	path     string

	// mtx guards file appends and lastOffset
	mtx        sync.Mutex
	lastOffset int64
	file       *os.File
}

// newSegment creates the file at path, writes the segment header and returns
// the segment.
func newSegment(path string, index int, capacity int64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create segment file: %s", path)
	}

	var header [segmentHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(index))
	binary.BigEndian.PutUint64(header[8:16], uint64(capacity))

	n, err := f.Write(header[:])
	if err != nil {
		return nil, errors.Wrapf(err, "could not write segment header to: %s", path)
	}

	return &segment{
		index:      index,
		capacity:   capacity,
		path:       path,
		lastOffset: int64(n),
		file:       f,
	}, nil
}

// openSegment opens an existing segment file and reads its header back.
func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open segment file: %s", path)
	}

	var header [segmentHeaderSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return nil, errors.Wrapf(err, "could not read segment header from: %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "could not get segment file info")
	}

	return &segment{
		index:      int(binary.BigEndian.Uint64(header[0:8])),
		capacity:   int64(binary.BigEndian.Uint64(header[8:16])),
		path:       path,
		lastOffset: fi.Size(),
		file:       f,
	}, nil
}

// append writes a frame to the end of the segment and returns the offset the
// frame starts at. It returns errSegmentFull when the frame does not fit and
// the segment already holds at least one frame; an oversized frame is always
// accepted into an otherwise empty segment.
func (s *segment) append(frame []byte) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lastOffset > segmentHeaderSize && s.lastOffset+int64(len(frame)) > s.capacity {
		return 0, errSegmentFull
	}

	n, err := s.file.Write(frame)
	if err != nil {
		return 0, errors.Wrap(err, "could not write entry frame")
	}

	start := s.lastOffset
	s.lastOffset += int64(n)

	return start, nil
}

// readerAt returns a reader positioned at offset within the segment.
func (s *segment) readerAt(offset int64) io.Reader {
	return io.NewSectionReader(s.file, offset, s.size()-offset)
}

// size returns the segment's current size in bytes, header included.
func (s *segment) size() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.lastOffset
}

// truncate cuts the segment file off at offset and winds lastOffset back so
// the next append lands there. Used on restore to drop a torn tail frame.
func (s *segment) truncate(offset int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.file.Truncate(offset); err != nil {
		return errors.Wrapf(err, "could not truncate segment file: %s", s.path)
	}

	s.lastOffset = offset

	return nil
}

// sync flushes the segment's file to stable storage.
func (s *segment) sync() error {
	return s.file.Sync()
}

// remove closes and deletes the segment file.
func (s *segment) remove() error {
	if err := s.file.Close(); err != nil {
		return errors.Wrapf(err, "could not close segment file: %s", s.path)
	}

	return os.Remove(s.path)
}
