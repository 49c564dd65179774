package entry

import (
	"encoding/binary"
	"io"

	"github.com/mphelps/arclog/compaction"
	"github.com/pkg/errors"
)

// Frame layout, all integers big endian:
//
//	<index:8><term:8><tag:1><payload:tag-specific>
//
// The payload's framing is owned entirely by the codec registered for its
// tag. A reclaimed entry is written with the reserved tag followed by a
// single byte recording the mode it was cleaned with; its index and term
// stay on disk after the payload bytes are gone.

const headerSize = 17

// Codec translates entries to and from their binary frame, delegating
// payload encoding to the descriptors in its registry.
type Codec struct {
	registry *Registry
}

// NewCodec returns a codec backed by registry.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Registry returns the codec's payload type registry.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode writes e's frame to w. Compacted entries are written as reclaimed
// frames; live payloads require a registered descriptor for their tag.
func (c *Codec) Encode(w io.Writer, e *Entry) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[0:8], e.Index())
	binary.BigEndian.PutUint64(header[8:16], e.Term())

	if e.Compacted() {
		header[16] = byte(TypeNone)

		if _, err := w.Write(header[:]); err != nil {
			return errors.Wrap(err, "could not write frame header")
		}

		if _, err := w.Write([]byte{byte(e.CompactionMode())}); err != nil {
			return errors.Wrap(err, "could not write reclaimed mode")
		}

		return nil
	}

	t, err := e.Type()
	if err != nil {
		return err
	}

	d, err := c.registry.Resolve(t)
	if err != nil {
		return err
	}

	header[16] = byte(t)

	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "could not write frame header")
	}

	if err := d.Codec.EncodePayload(w, e.Payload()); err != nil {
		return errors.Wrapf(err, "could not encode %s payload", d.Name)
	}

	return nil
}

// Decode reads one frame from r and returns the entry.
func (c *Codec) Decode(r io.Reader) (*Entry, error) {
	e, _, _, err := c.DecodeFrame(r)
	return e, err
}

// DecodeFrame reads one frame from r. It returns the entry, the mode a
// reclaimed record was cleaned with (compaction.None for live records), and
// the total number of bytes consumed. The entry's size is derived from the
// bytes the payload decode consumed, not from a value stored in the stream.
// An unregistered tag fails with ErrUnknownType, leaving the stream position
// exactly one byte past the tag so callers can attempt recovery.
func (c *Codec) DecodeFrame(r io.Reader) (*Entry, compaction.Mode, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, compaction.None, 0, err // keep error as is so callers can detect io.EOF
	}

	index := binary.BigEndian.Uint64(header[0:8])
	term := binary.BigEndian.Uint64(header[8:16])
	tag := Type(header[16])

	if tag == TypeNone {
		var mode [1]byte
		if _, err := io.ReadFull(r, mode[:]); err != nil {
			return nil, compaction.None, 0, errors.Wrap(err, "could not read reclaimed mode")
		}

		return NewCompacted(index, term), compaction.Mode(mode[0]), headerSize + 1, nil
	}

	d, err := c.registry.Resolve(tag)
	if err != nil {
		return nil, compaction.None, headerSize, err
	}

	cr := &countingReader{r: r}

	payload, err := d.Codec.DecodePayload(cr)
	if err != nil {
		return nil, compaction.None, headerSize + cr.n, errors.Wrapf(err, "could not decode %s payload", d.Name)
	}

	e := New(index, term, payload, uint32(cr.n))

	return e, compaction.None, headerSize + cr.n, nil
}

// countingReader tracks how many bytes the payload decode consumes,
// which becomes the entry's recorded size.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
