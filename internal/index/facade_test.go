package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/corendex/internal/config"
	corerr "github.com/standardbeagle/corendex/internal/errors"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pyramid.Width = 4
	cfg.Pyramid.BufferSizeBytes = 4096
	cfg.Merge.MaxFilesizeBytes = 1 << 20
	cfg.Merge.VocabLsize = 256
	cfg.Merge.PageSize = 512
	cfg.Accumulator.TableSize = 64
	cfg.Accumulator.MemoryBudgetMB = 64
	cfg.Storage.FDPoolCapacity = 32
	return cfg
}

func words(ss ...string) []string { return ss }

func TestBuildFinishStatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, testConfig())
	require.NoError(t, err)

	f.Repo(0, "/corpus/a.txt")

	docnoA, err := f.AddDocument(Document{ReposID: 0, AuxID: "a", MimeType: "text/plain", Terms: words("zebra", "apple", "zebra")})
	require.NoError(t, err)
	assert.Zero(t, docnoA)

	docnoB, err := f.AddDocument(Document{ReposID: 0, AuxID: "b", MimeType: "text/plain", Terms: words("apple", "mango")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), docnoB)

	result, err := f.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.DistinctTerms, "apple, mango, zebra")

	stats, err := f.Stats()
	require.NoError(t, err)
	assert.Equal(t, "corendex", stats.PackageName)
	assert.Equal(t, result.RootFileno, stats.RootFileno)
	assert.Equal(t, uint32(result.RootOffset), stats.RootOffset)
	assert.Equal(t, uint32(3), stats.Terms)
	assert.Equal(t, uint32(1), stats.Repos)
	assert.Len(t, stats.RepoList, 1)
	assert.Equal(t, "/corpus/a.txt", stats.RepoList[0].Path)
	assert.NotEmpty(t, stats.Config)

	rec, err := f.Document(docnoA)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.AuxID)
	assert.Equal(t, uint64(3), rec.Terms)
	assert.Equal(t, uint64(2), rec.Distinct)
}

func TestAddDocumentAfterFinishIsInvalidState(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, testConfig())
	require.NoError(t, err)

	_, err = f.AddDocument(Document{Terms: words("x")})
	require.NoError(t, err)
	_, err = f.Finish()
	require.NoError(t, err)

	_, err = f.AddDocument(Document{Terms: words("y")})
	require.Error(t, err)
	assert.Equal(t, corerr.KindInvalidState, corerr.KindOf(err))
}

func TestFinishTwiceIsInvalidState(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, testConfig())
	require.NoError(t, err)
	_, err = f.AddDocument(Document{Terms: words("x")})
	require.NoError(t, err)
	_, err = f.Finish()
	require.NoError(t, err)

	_, err = f.Finish()
	assert.Error(t, err)
}

func TestRemoveClearsDirectory(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, testConfig())
	require.NoError(t, err)
	_, err = f.AddDocument(Document{Terms: words("alpha", "beta")})
	require.NoError(t, err)
	_, err = f.Finish()
	require.NoError(t, err)

	require.NoError(t, f.Remove())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, statErr := os.Stat(filepath.Join(dir, superblockName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEmptyBuildProducesZeroTermIndex(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, testConfig())
	require.NoError(t, err)

	result, err := f.Finish()
	require.NoError(t, err)
	assert.Zero(t, result.DistinctTerms)

	stats, err := f.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Terms)
}

func TestManyDocumentsTriggerPyramidMerge(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	f, err := Open(dir, cfg)
	require.NoError(t, err)
	// Open's validation rejects a zero budget, so it is lowered on the
	// opened facade. MemoryBudgetMB=0 makes the threshold 0 bytes, so
	// every Update() call's nonzero memsize crosses it and dumps
	// immediately.
	f.cfg.Accumulator.MemoryBudgetMB = 0 // force a dump after every document

	terms := [][]string{{"one"}, {"two"}, {"three"}, {"four"}, {"five"}, {"six"}}
	for _, ts := range terms {
		_, err := f.AddDocument(Document{Terms: ts})
		require.NoError(t, err)
	}

	result, err := f.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(terms)), result.DistinctTerms)
}
