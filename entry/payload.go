package entry

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is the tag identifying a payload's registered codec on the wire.
// Tag 0 is reserved by the frame codec for reclaimed entries.
type Type uint8

// TypeNone is the reserved tag written in place of a payload once an entry
// has been reclaimed. It can not be registered.
const TypeNone Type = 0

// Payload is a typed record carried by a log entry. Implementations are
// encoded and decoded by the codec registered for their type tag, so a
// Payload itself only needs to report its tag.
type Payload interface {
	Type() Type
}

// PayloadCodec encodes and decodes payloads of a single registered type.
// The codec owns the payload's framing entirely: DecodePayload must consume
// exactly the bytes EncodePayload produced and no more, since the stream
// position after a decode determines the entry's recorded size.
type PayloadCodec interface {
	EncodePayload(w io.Writer, p Payload) error
	DecodePayload(r io.Reader) (Payload, error)
}

// Raw is an opaque byte payload. It is the default payload type for callers
// that frame their own records.
type Raw struct {
	typ  Type
	data []byte
}

// NewRaw returns a Raw payload carrying data under type tag t.
func NewRaw(t Type, data []byte) Raw {
	return Raw{typ: t, data: data}
}

// Type returns the tag the payload was created under.
func (r Raw) Type() Type {
	return r.typ
}

// Data returns the payload bytes.
func (r Raw) Data() []byte {
	return r.data
}

// RawCodec is the PayloadCodec for Raw payloads. Raw bytes are framed with a
// big endian uint32 length prefix.
type RawCodec struct {
	typ Type
}

// NewRawCodec returns a codec producing Raw payloads tagged with t.
func NewRawCodec(t Type) RawCodec {
	return RawCodec{typ: t}
}

// EncodePayload writes the payload's length followed by its bytes.
func (c RawCodec) EncodePayload(w io.Writer, p Payload) error {
	r, ok := p.(Raw)
	if !ok {
		return errors.Errorf("raw codec cannot encode payload of type %T", p)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(r.data)))

	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "could not write payload length")
	}

	if _, err := w.Write(r.data); err != nil {
		return errors.Wrap(err, "could not write payload data")
	}

	return nil
}

// DecodePayload reads a length prefixed byte payload.
func (c RawCodec) DecodePayload(r io.Reader) (Payload, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "could not read payload length")
	}

	data := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "could not read payload data")
	}

	return Raw{typ: c.typ, data: data}, nil
}
