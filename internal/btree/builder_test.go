package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore simulates the driver side: it assigns each persisted page the
// next fileno in sequence and lets patches rewrite already-"written" bytes.
type fakeStore struct {
	pages map[uint32][]byte
	next  uint32
}

func newFakeStore() *fakeStore { return &fakeStore{pages: make(map[uint32][]byte)} }

func (s *fakeStore) persist(buf []byte) (PageRef, error) {
	fileno := s.next
	s.next++
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.pages[fileno] = cp
	return PageRef{Fileno: fileno, Offset: 0}, nil
}

func (s *fakeStore) patch(ref PageRef, offset int, sibling PageRef) error {
	PatchSibling(s.pages[ref.Fileno], offset, sibling)
	return nil
}

func TestInsertReturnsUsablePayloadSlot(t *testing.T) {
	b := New(4096)
	buf, off, flush, err := b.Insert("apple", 8)
	require.NoError(t, err)
	assert.False(t, flush)
	assert.True(t, off+8 <= len(buf))
}

func TestInsertRejectsSecondCallBeforeFlushAck(t *testing.T) {
	b := New(256) // tiny page: first insert should demand a flush almost immediately
	_, _, flush, err := b.Insert("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 40)
	require.NoError(t, err)
	require.True(t, flush)

	_, _, _, err = b.Insert("b", 1)
	assert.Error(t, err)
}

func TestFlushedTracksSiblingPatchAcrossLeaves(t *testing.T) {
	b := New(256)

	_, _, flush, err := b.Insert("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 40)
	require.NoError(t, err)
	require.True(t, flush)

	_, err = b.CompleteLeaf()
	require.NoError(t, err)

	leaf0 := PageRef{Fileno: 100, Offset: 0}
	_, _, hasPrev, err := b.Flushed(leaf0)
	require.NoError(t, err)
	assert.False(t, hasPrev, "first leaf has no predecessor to patch")

	_, _, flush, err = b.Insert("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 40)
	require.NoError(t, err)
	require.True(t, flush)

	_, err = b.CompleteLeaf()
	require.NoError(t, err)

	prev, patchOffset, hasPrev, err := b.Flushed(PageRef{Fileno: 101, Offset: 0})
	require.NoError(t, err)
	assert.True(t, hasPrev, "second leaf patches the first leaf's sibling pointer")
	assert.Equal(t, leaf0, prev)
	assert.Equal(t, 256-12, patchOffset, "sibling pointer is the page's last 12 bytes")
}

func TestCompleteLeafWithoutPendingFlushErrors(t *testing.T) {
	b := New(4096)
	_, err := b.CompleteLeaf()
	assert.Error(t, err)
}

func TestFinaliseWithSingleLeafRootIsThatLeaf(t *testing.T) {
	b := New(4096)
	store := newFakeStore()

	_, _, _, err := b.Insert("apple", 8)
	require.NoError(t, err)
	_, _, _, err = b.Insert("banana", 8)
	require.NoError(t, err)

	root, err := b.Finalise(store.persist, store.patch)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), root.Fileno, "the only leaf persisted becomes the root")
}

func TestFinaliseBuildsRoutingLevelOverManyLeaves(t *testing.T) {
	b := New(200)
	store := newFakeStore()

	words := []string{
		"aardvark", "albatross", "antelope", "badger", "beaver", "bison",
		"camel", "cheetah", "cobra", "dingo", "eagle", "falcon",
		"gazelle", "hyena", "iguana", "jackal", "koala", "lemur",
		"manatee", "narwhal", "ocelot", "panther", "quail", "raccoon",
	}

	for _, w := range words {
		_, _, flush, err := b.Insert(w, 8)
		require.NoError(t, err)
		if flush {
			buf, cerr := b.CompleteLeaf()
			require.NoError(t, cerr)
			ref, perr := store.persist(buf)
			require.NoError(t, perr)
			prev, patchOff, hasPrev, ferr := b.Flushed(ref)
			require.NoError(t, ferr)
			if hasPrev {
				require.NoError(t, store.patch(prev, patchOff, ref))
			}
		}
	}

	root, err := b.Finalise(store.persist, store.patch)
	require.NoError(t, err)

	// With many leaves flushed, the root must be a page built during
	// Finalise rather than one of the leaves themselves.
	assert.Greater(t, len(store.pages), 1)
	assert.Contains(t, store.pages, root.Fileno)
}

func TestFinaliseWithNoInsertsErrors(t *testing.T) {
	b := New(4096)
	store := newFakeStore()
	_, err := b.Finalise(store.persist, store.patch)
	assert.Error(t, err)
}

func TestFinaliseRejectsPendingUnacknowledgedFlush(t *testing.T) {
	b := New(256)
	store := newFakeStore()
	_, _, flush, err := b.Insert("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 40)
	require.NoError(t, err)
	require.True(t, flush)

	_, err = b.Finalise(store.persist, store.patch)
	assert.Error(t, err)
}
