// Package codeintel implements the Code-Intelligence Ingester: a
// hand-rolled parser for the length-delimited binary index format produced
// externally, projected into the index document/occurrence/symbol tables.
package codeintel

import (
	"fmt"
)

// wireType identifies how a field's payload is encoded.
type wireType int

const (
	wireVarint         wireType = 0
	wireLengthDelimited wireType = 2
)

// field is one decoded (fieldNumber, payload) pair from a message stream.
// For wireVarint, value holds the decoded integer and raw is nil. For
// wireLengthDelimited, raw holds the payload bytes and value is unused.
type field struct {
	number int
	typ    wireType
	value  uint64
	raw    []byte
}

// reader walks a byte slice decoding the tag-prefixed field stream
// described in the wire format: each field begins with a varint tag
// ((fieldNumber << 3) | wireType); wire type 0 is a varint, wire type 2 is
// a varint length followed by that many bytes. Any other wire type is
// skipped by the same length rule as its nearest known analog — this
// format only ever emits 0 and 2.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) done() bool {
	return r.pos >= len(r.buf)
}

// readVarint decodes an unsigned LEB128 varint: 7 bits per byte,
// little-endian, MSB of each byte signals continuation.
func (r *reader) readVarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if r.pos >= len(r.buf) {
			return 0, fmt.Errorf("truncated varint at offset %d", r.pos)
		}
		b := r.buf[r.pos]
		r.pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("varint too long at offset %d", r.pos)
		}
	}
}

// readField decodes one tag-prefixed field.
func (r *reader) readField() (field, error) {
	tag, err := r.readVarint()
	if err != nil {
		return field{}, err
	}
	number := int(tag >> 3)
	typ := wireType(tag & 7)

	switch typ {
	case wireVarint:
		v, err := r.readVarint()
		if err != nil {
			return field{}, fmt.Errorf("field %d: %w", number, err)
		}
		return field{number: number, typ: typ, value: v}, nil

	case wireLengthDelimited:
		length, err := r.readVarint()
		if err != nil {
			return field{}, fmt.Errorf("field %d: length: %w", number, err)
		}
		if r.pos+int(length) > len(r.buf) {
			return field{}, fmt.Errorf("field %d: payload of length %d exceeds buffer", number, length)
		}
		raw := r.buf[r.pos : r.pos+int(length)]
		r.pos += int(length)
		return field{number: number, typ: typ, raw: raw}, nil

	default:
		// Unrecognized wire type in this format; best effort is to treat
		// it as a bare varint so the stream stays aligned.
		v, err := r.readVarint()
		if err != nil {
			return field{}, fmt.Errorf("field %d: unknown wire type %d: %w", number, typ, err)
		}
		return field{number: number, typ: wireVarint, value: v}, nil
	}
}

// decodePackedVarints decodes a length-delimited blob whose bytes are a
// back-to-back sequence of varints, used for the Occurrence range field.
func decodePackedVarints(raw []byte) ([]uint64, error) {
	r := newReader(raw)
	var out []uint64
	for !r.done() {
		v, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
