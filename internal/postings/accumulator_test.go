package postings

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/corendex/internal/codec"
)

func TestAddDocAddWordUpdateSingleDocument(t *testing.T) {
	a := New(Config{TableSize: 16})

	require.NoError(t, a.AddDoc(0))
	require.NoError(t, a.AddWord("cat", 0))
	weight, terms, distinct, err := a.Update()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), terms)
	assert.Equal(t, uint64(1), distinct)
	assert.Equal(t, float64(1), weight)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.DistinctTerms)
	assert.Equal(t, uint64(1), stats.PostingsSize, "single freq=1 posting encodes to one byte")
}

func TestUpdateWithoutAddDocIsInvalidState(t *testing.T) {
	a := New(Config{TableSize: 16})
	_, _, _, err := a.Update()
	assert.Error(t, err)
}

func TestAddDocTwiceWithoutUpdateIsInvalidState(t *testing.T) {
	a := New(Config{TableSize: 16})
	require.NoError(t, a.AddDoc(0))
	err := a.AddDoc(1)
	assert.Error(t, err)
}

func TestDumpProducesBytewiseSortedRunWithDisjointDocnos(t *testing.T) {
	a := New(Config{TableSize: 16})

	require.NoError(t, a.AddDoc(0))
	require.NoError(t, a.AddWord("zebra", 0))
	require.NoError(t, a.AddWord("ant", 1))
	_, _, _, err := a.Update()
	require.NoError(t, err)

	require.NoError(t, a.AddDoc(2))
	require.NoError(t, a.AddWord("ant", 0))
	_, _, _, err = a.Update()
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := a.Dump(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(buf.Len()), n)

	rest := buf.Bytes()
	rec1, consumed1, err := codec.DecodeRunRecord(rest)
	require.NoError(t, err)
	rest = rest[consumed1:]
	rec2, consumed2, err := codec.DecodeRunRecord(rest)
	require.NoError(t, err)
	rest = rest[consumed2:]
	assert.Empty(t, rest)

	assert.Equal(t, "ant", rec1.Term, "bytewise lexicographic order puts ant before zebra")
	assert.Equal(t, uint64(2), rec1.Docs)
	assert.Equal(t, uint64(0), rec1.First)
	assert.Equal(t, uint64(2), rec1.Last)

	assert.Equal(t, "zebra", rec2.Term)
	assert.Equal(t, uint64(1), rec2.Docs)
	assert.Equal(t, uint64(0), rec2.First)

	// accumulator is consumed by Dump
	assert.Equal(t, Stats{}, a.Stats())
}

func TestStemmerAndStoplistApplyBeforeInsertion(t *testing.T) {
	a := New(Config{
		TableSize: 16,
		Stemmer:   NewPorterStemmer(0),
		Stoplist:  NewSetStoplist("the"),
	})

	require.NoError(t, a.AddDoc(0))
	require.NoError(t, a.AddWord("running", 0))
	require.NoError(t, a.AddWord("the", 1))
	_, terms, distinct, err := a.Update()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), terms, "stoplisted word must not count toward terms")
	assert.Equal(t, uint64(1), distinct)

	var buf bytes.Buffer
	_, err = a.Dump(&buf)
	require.NoError(t, err)
	rec, _, err := codec.DecodeRunRecord(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "run", rec.Term, "porter2 stems running -> run")
}

func TestEmptyAccumulatorDumpsZeroLengthRun(t *testing.T) {
	a := New(Config{TableSize: 16})
	var buf bytes.Buffer
	n, err := a.Dump(&buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
}
