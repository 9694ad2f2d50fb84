package pyramid

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/corendex/internal/codec"
	"github.com/standardbeagle/corendex/internal/fdpool"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func newTestPyramid(t *testing.T, width int) (*Pyramid, *fdpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	pool := fdpool.New(dir, 64)
	p, err := New(Config{
		Pool:        pool,
		Width:       width,
		BufferSize:  4096,
		MaxFilesize: 1 << 20,
		VocabLsize:  64,
		PageSize:    4096,
	})
	require.NoError(t, err)
	return p, pool
}

func writeRun(t *testing.T, pool *fdpool.Pool, fileno uint32, term string, docnos []uint64) {
	t.Helper()
	docs := make([]codec.PostingDoc, len(docnos))
	for i, d := range docnos {
		docs[i] = codec.PostingDoc{Docno: d, Freq: 1}
	}
	body := codec.EncodePostingBody(nil, docs)
	var occurs uint64
	for range docs {
		occurs++
	}
	rec := codec.RunRecord{
		Term: term, Docs: uint64(len(docs)), Occurs: occurs,
		Last: docnos[len(docnos)-1], Size: uint64(len(body)), First: docnos[0], Body: body,
	}
	buf := codec.EncodeRunRecord(nil, &rec)

	f, err := pool.Create(fdpool.TypeRun, fileno)
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	pool.Unpin(fdpool.TypeRun, fileno)
}

func TestAddBelowWidthNeverMerges(t *testing.T) {
	p, pool := newTestPyramid(t, 4)

	for i := 0; i < 3; i++ {
		fn := p.NextFileno()
		writeRun(t, pool, fn, "term", []uint64{uint64(i)})
		require.NoError(t, p.Add(fn, 0, false))
	}

	assert.Len(t, p.Files(), 3)
}

func TestAddAtWidthTriggersPartialMerge(t *testing.T) {
	p, pool := newTestPyramid(t, 3)

	for i := 0; i < 3; i++ {
		fn := p.NextFileno()
		writeRun(t, pool, fn, "term", []uint64{uint64(i)})
		require.NoError(t, p.Add(fn, 0, false))
	}

	files := p.Files()
	require.Len(t, files, 1, "three same-level runs at width=3 collapse into one merged run")
	assert.Equal(t, 1, files[0].Level)
	assert.False(t, files[0].Limited)

	data, err := os.ReadFile(pool.Name(fdpool.TypeRun, files[0].Fileno))
	require.NoError(t, err)
	rec, n, err := codec.DecodeRunRecord(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, uint64(3), rec.Docs, "all three source docs merged into one record")
}

func TestAddDistinctTermsStayUnmerged(t *testing.T) {
	p, pool := newTestPyramid(t, 2)

	fnA := p.NextFileno()
	writeRun(t, pool, fnA, "apple", []uint64{0})
	require.NoError(t, p.Add(fnA, 0, false))

	fnB := p.NextFileno()
	writeRun(t, pool, fnB, "banana", []uint64{1})
	require.NoError(t, p.Add(fnB, 0, false))

	files := p.Files()
	require.Len(t, files, 1)
	data, err := os.ReadFile(pool.Name(fdpool.TypeRun, files[0].Fileno))
	require.NoError(t, err)
	rec1, n1, err := codec.DecodeRunRecord(data)
	require.NoError(t, err)
	rec2, _, err := codec.DecodeRunRecord(data[n1:])
	require.NoError(t, err)
	assert.Equal(t, "apple", rec1.Term)
	assert.Equal(t, "banana", rec2.Term)
}

func TestFinishOnEmptyPyramidProducesSealedEmptyIndex(t *testing.T) {
	p, _ := newTestPyramid(t, 4)
	res, err := p.Finish()
	require.NoError(t, err)
	assert.Zero(t, res.DistinctTerms)
	assert.True(t, p.Finished())

	_, err = p.Finish()
	assert.Error(t, err, "finishing twice is invalid")

	err = p.Add(0, 0, false)
	assert.Error(t, err, "adding after finish is invalid")
}

func TestFinishProducesBtreeRoot(t *testing.T) {
	p, pool := newTestPyramid(t, 8)

	fn := p.NextFileno()
	writeRun(t, pool, fn, "zebra", []uint64{0, 2})
	require.NoError(t, p.Add(fn, 0, false))

	res, err := p.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.DistinctTerms)
	assert.NotEmpty(t, res.VectorFilenos)
	assert.True(t, p.Finished())
}

func TestBufferPlanRejectsBelowMinimum(t *testing.T) {
	p, _ := newTestPyramid(t, 4)
	p.cfg.BufferSize = 10
	_, err := p.planBuffers(4)
	assert.Error(t, err)
}
