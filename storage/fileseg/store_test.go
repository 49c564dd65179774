package fileseg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mphelps/arclog/compaction"
	"github.com/mphelps/arclog/entry"
	"github.com/mphelps/arclog/storage"
)

const rawType = entry.Type(1)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testEntryCodec(t *testing.T) *entry.Codec {
	t.Helper()

	reg := entry.NewRegistry()
	err := reg.Register(entry.Descriptor{Type: rawType, Name: "raw", Codec: entry.NewRawCodec(rawType)})
	if err != nil {
		t.Fatalf("could not register raw descriptor: %v", err)
	}

	return entry.NewCodec(reg)
}

func newTestStore(t *testing.T, dir string, opts ...StoreOption) *Store {
	t.Helper()

	s, err := NewStore(testLogger(), dir, testEntryCodec(t), opts...)
	if err != nil {
		t.Fatalf("could not create store: %v", err)
	}

	return s
}

// testEntry returns a fresh entry with a raw payload sized to match its
// encoded form.
func testEntry(index, term uint64, data []byte) *entry.Entry {
	return entry.New(index, term, entry.NewRaw(rawType, data), uint32(4+len(data)))
}

func TestStoreAppendRead(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		fresh := testEntry(i, 1, []byte(fmt.Sprintf("value-%d", i)))

		bound, err := s.Append(fresh)
		if err != nil {
			t.Fatalf("could not append entry %d: %v", i, err)
		}

		if bound.Offset() == entry.UnknownOffset {
			t.Fatalf("bound entry %d has no offset", i)
		}

		if !bound.Committed() {
			t.Fatalf("bound entry %d is not committed", i)
		}

		// the fresh value the caller handed in stays unbound
		if fresh.Offset() != entry.UnknownOffset || fresh.Committed() {
			t.Fatalf("append mutated the passed entry")
		}
	}

	if s.FirstIndex() != 1 || s.LastIndex() != 5 {
		t.Fatalf("expected indexes [1, 5], got [%d, %d]", s.FirstIndex(), s.LastIndex())
	}

	for i := uint64(1); i <= 5; i++ {
		e, err := s.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		if e.Index() != i || e.Term() != 1 {
			t.Fatalf("expected index/term %d/1, got %d/%d", i, e.Index(), e.Term())
		}

		want := fmt.Sprintf("value-%d", i)
		if got := string(e.Payload().(entry.Raw).Data()); got != want {
			t.Fatalf("expected payload %q, got %q", want, got)
		}
	}
}

func TestStoreAppendRejects(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if _, err := s.Append(nil); err == nil {
		t.Fatalf("expected error appending nil entry")
	}

	bound, err := s.Append(testEntry(1, 1, []byte("a")))
	if err != nil {
		t.Fatalf("could not append: %v", err)
	}

	if _, err := s.Append(bound); err == nil {
		t.Fatalf("expected error appending an already bound entry")
	}

	if _, err := s.Append(testEntry(5, 1, []byte("gap"))); err == nil {
		t.Fatalf("expected error for non-contiguous append")
	}
}

func TestStoreReadMissing(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if _, err := s.Read(3); errors.Cause(err) != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCompaction(t *testing.T) {
	// small segments so entries spread across several files,
	// background compaction off so the pass below is deterministic
	s := newTestStore(t, t.TempDir(), SegmentSize(128), Compaction(false))
	defer s.Close()

	for i := uint64(1); i <= 10; i++ {
		if _, err := s.Append(testEntry(i, 1, []byte(fmt.Sprintf("payload-%02d", i)))); err != nil {
			t.Fatalf("could not append entry %d: %v", i, err)
		}
	}

	for i := uint64(1); i <= 3; i++ {
		e, err := s.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		if err := e.Compact(compaction.Sequential); err != nil {
			t.Fatalf("could not request compaction of entry %d: %v", i, err)
		}

		// clean only marks, the payload is still there
		if got, err := s.Read(i); err != nil || got.Compacted() {
			t.Fatalf("entry %d reclaimed before a compaction pass", i)
		}
	}

	s.Compact()

	for i := uint64(1); i <= 3; i++ {
		e, err := s.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d after compaction: %v", i, err)
		}

		if !e.Compacted() || e.Payload() != nil {
			t.Fatalf("entry %d still has its payload after compaction", i)
		}

		if !e.Committed() {
			t.Fatalf("compacted entry %d is not committed", i)
		}

		if e.CompactionMode() != compaction.Sequential {
			t.Fatalf("entry %d lost its compaction mode, got %v", i, e.CompactionMode())
		}

		if e.Index() != i || e.Term() != 1 {
			t.Fatalf("compaction lost index/term metadata for entry %d", i)
		}
	}

	// untouched entries keep their payloads
	for i := uint64(4); i <= 10; i++ {
		e, err := s.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d after compaction: %v", i, err)
		}

		if e.Compacted() {
			t.Fatalf("entry %d was reclaimed without being cleaned", i)
		}
	}
}

func TestStoreRestore(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir, SegmentSize(128), Compaction(false))

	for i := uint64(1); i <= 8; i++ {
		if _, err := s.Append(testEntry(i, 2, []byte(fmt.Sprintf("payload-%02d", i)))); err != nil {
			t.Fatalf("could not append entry %d: %v", i, err)
		}
	}

	for i := uint64(1); i <= 2; i++ {
		e, err := s.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		if err := e.Compact(compaction.Snapshot); err != nil {
			t.Fatalf("could not request compaction of entry %d: %v", i, err)
		}
	}

	s.Compact()

	if err := s.Close(); err != nil {
		t.Fatalf("could not close store: %v", err)
	}

	restored := newTestStore(t, dir, SegmentSize(128), Compaction(false))
	defer restored.Close()

	if restored.FirstIndex() != 1 || restored.LastIndex() != 8 {
		t.Fatalf("expected indexes [1, 8], got [%d, %d]", restored.FirstIndex(), restored.LastIndex())
	}

	for i := uint64(1); i <= 2; i++ {
		e, err := restored.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		if !e.Compacted() {
			t.Fatalf("entry %d lost its reclaimed state across restart", i)
		}

		// the mode byte on disk restores the cleaner's mode
		if e.CompactionMode() != compaction.Snapshot {
			t.Fatalf("entry %d lost its mode across restart, got %v", i, e.CompactionMode())
		}
	}

	for i := uint64(3); i <= 8; i++ {
		e, err := restored.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		want := fmt.Sprintf("payload-%02d", i)
		if got := string(e.Payload().(entry.Raw).Data()); got != want {
			t.Fatalf("expected payload %q, got %q", want, got)
		}
	}
}

// tailSegmentFile returns the path of the single segment file in dir.
func tailSegmentFile(t *testing.T, dir string) string {
	t.Helper()

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("could not read data dir: %v", err)
	}

	var paths []string
	for _, f := range files {
		if strings.HasSuffix(f.Name(), segmentSuffix) {
			paths = append(paths, filepath.Join(dir, f.Name()))
		}
	}

	if len(paths) != 1 {
		t.Fatalf("expected 1 segment file, found %d", len(paths))
	}

	return paths[0]
}

func TestStoreRestoreTornTail(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, dir, Compaction(false))

	for i := uint64(1); i <= 3; i++ {
		if _, err := s.Append(testEntry(i, 1, []byte(fmt.Sprintf("payload-%02d", i)))); err != nil {
			t.Fatalf("could not append entry %d: %v", i, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("could not close store: %v", err)
	}

	// tear bytes off the last frame, as if a crash interrupted the append
	path := tailSegmentFile(t, dir)

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("could not stat segment file: %v", err)
	}

	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatalf("could not tear segment file: %v", err)
	}

	restored := newTestStore(t, dir, Compaction(false))

	if restored.LastIndex() != 2 {
		t.Fatalf("expected torn entry 3 to be dropped, last index = %d", restored.LastIndex())
	}

	if _, err := restored.Read(3); errors.Cause(err) != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound for torn entry, got %v", err)
	}

	// appends after recovery must land where the torn frame started
	if _, err := restored.Append(testEntry(3, 1, []byte("payload-03"))); err != nil {
		t.Fatalf("could not append after recovery: %v", err)
	}

	if err := restored.Close(); err != nil {
		t.Fatalf("could not close store: %v", err)
	}

	reopened := newTestStore(t, dir, Compaction(false))
	defer reopened.Close()

	if reopened.LastIndex() != 3 {
		t.Fatalf("acked entry lost after restart, last index = %d", reopened.LastIndex())
	}

	for i := uint64(1); i <= 3; i++ {
		e, err := reopened.Read(i)
		if err != nil {
			t.Fatalf("could not read entry %d: %v", i, err)
		}

		want := fmt.Sprintf("payload-%02d", i)
		if got := string(e.Payload().(entry.Raw).Data()); got != want {
			t.Fatalf("expected payload %q, got %q", want, got)
		}
	}
}

func TestStoreOversizedFrameRolls(t *testing.T) {
	s := newTestStore(t, t.TempDir(), SegmentSize(64), Compaction(false))
	defer s.Close()

	if _, err := s.Append(testEntry(1, 1, []byte("a"))); err != nil {
		t.Fatalf("could not append entry 1: %v", err)
	}

	// frame larger than a whole segment, must roll and land in a fresh one
	big := bytes.Repeat([]byte("b"), 100)
	if _, err := s.Append(testEntry(2, 1, big)); err != nil {
		t.Fatalf("could not append oversized entry: %v", err)
	}

	// the oversized frame fills its segment, forcing another roll
	if _, err := s.Append(testEntry(3, 1, []byte("c"))); err != nil {
		t.Fatalf("could not append entry 3: %v", err)
	}

	e, err := s.Read(2)
	if err != nil {
		t.Fatalf("could not read oversized entry: %v", err)
	}

	if !bytes.Equal(e.Payload().(entry.Raw).Data(), big) {
		t.Fatalf("oversized payload did not round trip")
	}

	if e3, err := s.Read(3); err != nil || string(e3.Payload().(entry.Raw).Data()) != "c" {
		t.Fatalf("could not read entry 3 after repeated rolls: %v", err)
	}
}

func TestStoreIterator(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	if _, err := s.Begin().Next(); err != io.EOF {
		t.Fatalf("expected io.EOF on empty store, got %v", err)
	}

	for i := uint64(1); i <= 4; i++ {
		if _, err := s.Append(testEntry(i, 1, []byte("x"))); err != nil {
			t.Fatalf("could not append entry %d: %v", i, err)
		}
	}

	it := s.Begin()
	var indexes []uint64
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("iterator failed: %v", err)
		}

		indexes = append(indexes, e.Index())
	}

	if len(indexes) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(indexes))
	}

	for i, idx := range indexes {
		if idx != uint64(i+1) {
			t.Fatalf("expected index %d at position %d, got %d", i+1, i, idx)
		}
	}
}
