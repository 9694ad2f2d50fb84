package codec

import (
	"encoding/binary"
	"errors"
)

// Location tags which variant of a vocab vector's postings storage this
// record uses (§3).
type Location uint8

const (
	// LocationInline stores postings bytes directly inside the B-tree leaf.
	LocationInline Location = 0
	// LocationExtent references postings stored in a vector file extent.
	LocationExtent Location = 1
)

// ErrBadLocation is returned decoding a vocab record tag byte outside the
// known variant set.
var ErrBadLocation = errors.New("codec: unknown vocab record location tag")

// Header carries the fields common to every vocab vector: the header
// named in §3 (docs, occurs, last, size).
type Header struct {
	Docs   uint64
	Occurs uint64
	Last   uint64
	Size   uint64
}

// VocabVector is the tagged sum DOCWP_INLINE{...} / DOCWP_EXTENT{...}
// described in §4.7. Exactly one of Inline or the Extent fields is
// meaningful, selected by Loc.
type VocabVector struct {
	Header
	Loc Location

	Inline []byte // valid when Loc == LocationInline

	Fileno   uint32 // valid when Loc == LocationExtent
	Offset   uint64
	Capacity uint64
}

// EncodeVocabVector appends the big-endian-fixed-width encoding of v to
// dst: header fields are vbyte (matching the run wire format so inline
// vectors can be produced directly from merge output), the location tag
// and extent coordinates are big-endian fixed width per §4.7/§6.
func EncodeVocabVector(dst []byte, v *VocabVector) []byte {
	dst = PutUvarint(dst, v.Docs)
	dst = PutUvarint(dst, v.Occurs)
	dst = PutUvarint(dst, v.Last)
	dst = PutUvarint(dst, v.Size)
	dst = append(dst, byte(v.Loc))
	switch v.Loc {
	case LocationInline:
		dst = append(dst, v.Inline...)
	case LocationExtent:
		var buf [4 + 8 + 8]byte
		binary.BigEndian.PutUint32(buf[0:4], v.Fileno)
		binary.BigEndian.PutUint64(buf[4:12], v.Offset)
		binary.BigEndian.PutUint64(buf[12:20], v.Capacity)
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeVocabVector decodes a VocabVector from the front of buf, returning
// the record and the number of bytes consumed. Extent-typed vectors do
// not carry an inline payload, so this never needs ErrNeedMore for the
// extent case beyond the fixed 20-byte coordinate block; inline vectors
// require the full inline payload (Size bytes) to be present in buf.
func DecodeVocabVector(buf []byte) (v VocabVector, n int, err error) {
	docs, n1, err := Uvarint(buf)
	if err != nil {
		return v, 0, err
	}
	occurs, n2, err := Uvarint(buf[n1:])
	if err != nil {
		return v, 0, err
	}
	last, n3, err := Uvarint(buf[n1+n2:])
	if err != nil {
		return v, 0, err
	}
	size, n4, err := Uvarint(buf[n1+n2+n3:])
	if err != nil {
		return v, 0, err
	}
	off := n1 + n2 + n3 + n4
	if off >= len(buf) {
		return v, 0, ErrNeedMore
	}
	loc := Location(buf[off])
	off++

	v.Docs, v.Occurs, v.Last, v.Size = docs, occurs, last, size
	v.Loc = loc

	switch loc {
	case LocationInline:
		if len(buf)-off < int(size) {
			return v, 0, ErrNeedMore
		}
		v.Inline = append([]byte(nil), buf[off:off+int(size)]...)
		off += int(size)
	case LocationExtent:
		if len(buf)-off < 20 {
			return v, 0, ErrNeedMore
		}
		v.Fileno = binary.BigEndian.Uint32(buf[off : off+4])
		v.Offset = binary.BigEndian.Uint64(buf[off+4 : off+12])
		v.Capacity = binary.BigEndian.Uint64(buf[off+12 : off+20])
		off += 20
	default:
		return v, 0, ErrBadLocation
	}
	return v, off, nil
}
