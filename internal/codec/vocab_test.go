package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concrete scenario 1: single-doc single-term inline vector.
func TestInlineVocabVectorRoundTrip(t *testing.T) {
	v := VocabVector{
		Header: Header{Docs: 1, Occurs: 1, Last: 0, Size: 2},
		Loc:    LocationInline,
		Inline: []byte{0x00, 0x01},
	}
	buf := EncodeVocabVector(nil, &v)

	got, n, err := DecodeVocabVector(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, v.Docs, got.Docs)
	assert.Equal(t, v.Occurs, got.Occurs)
	assert.Equal(t, v.Last, got.Last)
	assert.Equal(t, v.Size, got.Size)
	assert.Equal(t, LocationInline, got.Loc)
	assert.Equal(t, v.Inline, got.Inline)
}

func TestExtentVocabVectorRoundTrip(t *testing.T) {
	v := VocabVector{
		Header:   Header{Docs: 40, Occurs: 120, Last: 9999, Size: 400},
		Loc:      LocationExtent,
		Fileno:   3,
		Offset:   1024,
		Capacity: 512,
	}
	buf := EncodeVocabVector(nil, &v)

	got, n, err := DecodeVocabVector(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, LocationExtent, got.Loc)
	assert.Equal(t, v.Fileno, got.Fileno)
	assert.Equal(t, v.Offset, got.Offset)
	assert.Equal(t, v.Capacity, got.Capacity)
}

func TestDecodeVocabVectorNeedsMoreInput(t *testing.T) {
	v := VocabVector{
		Header: Header{Docs: 1, Occurs: 1, Last: 0, Size: 4},
		Loc:    LocationInline,
		Inline: []byte{1, 2, 3, 4},
	}
	full := EncodeVocabVector(nil, &v)

	for cut := 0; cut < len(full); cut++ {
		_, _, err := DecodeVocabVector(full[:cut])
		assert.ErrorIs(t, err, ErrNeedMore, "cut=%d", cut)
	}
}

func TestDecodeVocabVectorBadLocation(t *testing.T) {
	buf := PutUvarint(nil, 1)
	buf = PutUvarint(buf, 1)
	buf = PutUvarint(buf, 0)
	buf = PutUvarint(buf, 0)
	buf = append(buf, 0x7F) // invalid tag
	_, _, err := DecodeVocabVector(buf)
	assert.ErrorIs(t, err, ErrBadLocation)
}
