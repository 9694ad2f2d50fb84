// Package codec implements the core's resumable binary wire format: the
// variable-byte integer encoding used throughout the on-disk runs, vector
// files, and params file, plus the tagged vocab-vector record built on top
// of it (§4.7).
package codec

import "errors"

// MaxVbyteLen bounds the number of bytes a single vbyte-encoded uint64 can
// occupy: ceil(64/7) = 10 groups of 7 payload bits.
const MaxVbyteLen = 10

// ErrNeedMore is returned by decode functions when the supplied buffer
// ends mid-integer. It is not a failure — the caller should refill the
// buffer and retry the decode from the same starting offset, or (per the
// merge state machine's resumability contract) stash the partial bytes
// and continue when more arrive.
var ErrNeedMore = errors.New("codec: need more input")

// ErrOverflow is returned when a decoded integer would not fit in 64
// bits — more than MaxVbyteLen continuation groups were seen.
var ErrOverflow = errors.New("codec: vbyte integer overflow")

// PutUvarint appends the variable-byte encoding of v to dst and returns
// the extended slice. Encoding is 7 payload bits per byte, high bit set
// on every byte except the last (continuation = 1 means "more bytes
// follow"), written little-endian group order.
func PutUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// SizeUvarint reports the number of bytes PutUvarint would write for v.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Uvarint decodes a variable-byte integer from the front of buf.
//
// On success it returns the value and the number of bytes consumed.
// If buf ends before a terminating byte (high bit clear) is seen, it
// returns (0, 0, ErrNeedMore) — callers must not advance their cursor.
// If more than MaxVbyteLen groups are seen without terminating, it
// returns ErrOverflow — a fatal, non-resumable condition (the bitstream
// is corrupt).
func Uvarint(buf []byte) (v uint64, n int, err error) {
	var shift uint
	for i := 0; i < len(buf); i++ {
		if i >= MaxVbyteLen {
			return 0, 0, ErrOverflow
		}
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrNeedMore
}

// Scratch accumulates partial vbyte bytes across suspension points so a
// state machine can resume decoding an integer that was split across two
// separately-delivered input buffers. It never holds more than
// MaxVbyteLen bytes.
type Scratch struct {
	buf [MaxVbyteLen]byte
	n   int
}

// Reset clears accumulated bytes.
func (s *Scratch) Reset() { s.n = 0 }

// Len reports the number of bytes currently buffered.
func (s *Scratch) Len() int { return s.n }

// Feed appends available input bytes (consuming from in) attempting to
// complete a vbyte integer. It returns the decoded value and true when a
// terminating byte was seen; otherwise it buffers what it can (up to
// MaxVbyteLen total) and returns false, with consumed reporting how many
// bytes of in were absorbed.
func (s *Scratch) Feed(in []byte) (v uint64, consumed int, done bool, err error) {
	for consumed < len(in) {
		if s.n >= MaxVbyteLen {
			return 0, consumed, false, ErrOverflow
		}
		b := in[consumed]
		s.buf[s.n] = b
		s.n++
		consumed++
		if b < 0x80 {
			val, _, derr := Uvarint(s.buf[:s.n])
			s.n = 0
			if derr != nil {
				return 0, consumed, false, derr
			}
			return val, consumed, true, nil
		}
	}
	return 0, consumed, false, nil
}
