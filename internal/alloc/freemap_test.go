package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	f := New(Config{Strategy: StrategyFirst})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 100}))

	got, err := f.Alloc(40, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 0, Size: 40}, got)

	require.NoError(t, f.Free(got))

	// After freeing it back, the map must behave as if nothing happened:
	// a single 100-byte extent, coalesced, servicing the same request.
	got2, err := f.Alloc(100, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 0, Size: 100}, got2)
}

func TestSizeClassIsFloorLog2(t *testing.T) {
	cases := []struct {
		size  uint64
		class int
	}{
		{1, 0}, {2, 1}, {3, 1}, {4, 2}, {7, 2}, {8, 3}, {15, 3}, {16, 4}, {1023, 9}, {1024, 10},
	}
	for _, c := range cases {
		assert.Equal(t, c.class, floorClass(c.size), "size=%d", c.size)
	}
}

// TestBestFitAmongCandidates exercises the concrete scenario: free
// extents of size {10, 20, 40, 80} in one file, need=15, strategy BEST.
// The size-20 extent's class (4) is the lowest non-empty class at or above
// ceil(log2(15))=4 (classes 5 and 6 hold 40 and 80), so BEST must return it.
func TestBestFitAmongCandidates(t *testing.T) {
	f := New(Config{})
	offset := uint64(0)
	for _, sz := range []uint64{10, 20, 40, 80} {
		require.NoError(t, f.Free(Extent{Fileno: 0, Offset: offset, Size: sz}))
		offset += sz + 1000 // keep extents far apart so none coalesce
	}

	got, err := f.Alloc(15, StrategyBest, false, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10+1000), got.Offset) // the size-20 extent's base
	assert.Equal(t, uint64(15), got.Size)

	// The residue (size 5) must remain free and allocatable on its own.
	residue, err := f.AllocAt(Extent{Fileno: 0, Offset: 1010 + 15}, 5)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 1010 + 15, Size: 5}, residue)
}

func TestBestFitExactLeavesSameResidue(t *testing.T) {
	// Same scenario with EXACT=true and append=0: since append=0 disables
	// loose-fit absorption either way, EXACT must produce the identical
	// split as the loose case above.
	f := New(Config{})
	offset := uint64(0)
	for _, sz := range []uint64{10, 20, 40, 80} {
		require.NoError(t, f.Free(Extent{Fileno: 0, Offset: offset, Size: sz}))
		offset += sz + 1000
	}

	got, err := f.Alloc(15, StrategyBest, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got.Size)
}

func TestAllocExactBoundaryConsumesWholeRecord(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 64}))

	got, err := f.Alloc(64, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 0, Size: 64}, got)

	// Nothing left: a further allocation must fail (no growth callback set).
	_, err = f.Alloc(1, StrategyFirst, true, 0)
	assert.Error(t, err)
}

func TestAllocAppendSlackAbsorbsRemainder(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 20}))

	// need=15, remainder=5 <= append slack of 8: caller gets the whole
	// 20-byte extent rather than a 15/5 split.
	got, err := f.Alloc(15, StrategyFirst, false, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Size)
}

func TestCoalesceAdjacentFreeExtents(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 10}))
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 10, Size: 10}))
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 20, Size: 10}))

	got, err := f.Alloc(30, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 0, Size: 30}, got)
}

func TestCoalesceDoesNotCrossFiles(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 10}))
	require.NoError(t, f.Free(Extent{Fileno: 1, Offset: 10, Size: 10}))

	_, err := f.Alloc(20, StrategyFirst, true, 0)
	assert.Error(t, err)

	got, err := f.Alloc(10, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.Fileno)
}

func TestGrowViaNewFileCallback(t *testing.T) {
	var calls int
	f := New(Config{NewFile: func(fileCount int) (uint32, uint64, error) {
		calls++
		return uint32(fileCount), 1 << 20, nil
	}})

	got, err := f.Alloc(100, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(0), got.Offset)
	assert.Equal(t, uint64(100), got.Size)
}

func TestAllocAtCoveredByFreeRecord(t *testing.T) {
	f := New(Config{})
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 100}))

	got, err := f.AllocAt(Extent{Fileno: 0, Offset: 40}, 20)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 40, Size: 20}, got)

	// Prefix [0,40) and suffix [60,100) must both still be free.
	prefix, err := f.Alloc(40, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prefix.Offset)

	suffix, err := f.Alloc(40, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), suffix.Offset)
}

func TestAllocAtWithinUnusedTail(t *testing.T) {
	f := New(Config{NewFile: func(fileCount int) (uint32, uint64, error) {
		return uint32(fileCount), 1 << 10, nil
	}})

	got, err := f.AllocAt(Extent{Fileno: 0, Offset: 512}, 64)
	require.NoError(t, err)
	assert.Equal(t, Extent{Fileno: 0, Offset: 512, Size: 64}, got)

	// Bytes [0,512) must have become a free record.
	prefix, err := f.Alloc(512, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prefix.Offset)
}

func TestFreeZeroSizeRejected(t *testing.T) {
	f := New(Config{})
	err := f.Free(Extent{Fileno: 0, Offset: 0, Size: 0})
	assert.Error(t, err)
}

func TestAllocZeroSizeRejected(t *testing.T) {
	f := New(Config{})
	_, err := f.Alloc(0, StrategyFirst, true, 0)
	assert.Error(t, err)
}

func TestWasteCounterIsWriteOnly(t *testing.T) {
	f := New(Config{})
	assert.Equal(t, uint64(0), f.Waste())
	f.AddWaste(12)
	assert.Equal(t, uint64(12), f.Waste())
	// Never consulted by Alloc/Free: a fresh allocation must not change it.
	require.NoError(t, f.Free(Extent{Fileno: 0, Offset: 0, Size: 8}))
	_, err := f.Alloc(8, StrategyFirst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), f.Waste())
}

func TestWorstFitPicksLargest(t *testing.T) {
	f := New(Config{})
	offset := uint64(0)
	for _, sz := range []uint64{10, 20, 40, 80} {
		require.NoError(t, f.Free(Extent{Fileno: 0, Offset: offset, Size: sz}))
		offset += sz + 1000
	}

	got, err := f.Alloc(5, StrategyWorst, true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Size)
	// The consumed record must have been the size-80 extent: offset 10+1000+20+1000+40+1000 = 3070.
	assert.Equal(t, uint64(10+1000+20+1000+40+1000), got.Offset)
}
