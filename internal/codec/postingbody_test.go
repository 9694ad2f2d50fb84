package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostingBodyRoundTripNoPositions(t *testing.T) {
	docs := []PostingDoc{
		{Docno: 0, Freq: 1},
		{Docno: 2, Freq: 3},
		{Docno: 5, Freq: 1},
		{Docno: 7, Freq: 2},
	}
	body := EncodePostingBody(nil, docs)

	got, n, err := DecodePostingBody(body, docs[0].Docno, len(docs), 0)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)
	require.Len(t, got, len(docs))
	for i, d := range docs {
		assert.Equal(t, d.Docno, got[i].Docno)
		assert.Equal(t, d.Freq, got[i].Freq)
	}
}

func TestPostingBodyRoundTripWithPositions(t *testing.T) {
	docs := []PostingDoc{
		{Docno: 10, Freq: 2, Positions: []uint64{3, 9}},
		{Docno: 12, Freq: 3, Positions: []uint64{0, 4, 4}},
	}
	body := EncodePostingBody(nil, docs)

	got, n, err := DecodePostingBody(body, docs[0].Docno, len(docs), 2)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)
	assert.Equal(t, docs[0].Positions, got[0].Positions)
	assert.Equal(t, docs[1].Positions, got[1].Positions)
	assert.Equal(t, docs[1].Docno, got[1].Docno)
}

func TestPostingBodyDocnosStrictlyAscending(t *testing.T) {
	docs := []PostingDoc{{Docno: 0, Freq: 1}, {Docno: 1, Freq: 1}, {Docno: 100, Freq: 1}}
	body := EncodePostingBody(nil, docs)
	got, _, err := DecodePostingBody(body, 0, len(docs), 0)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Docno, got[i].Docno)
	}
}
