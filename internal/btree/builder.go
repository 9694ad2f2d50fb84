package btree

import corerr "github.com/standardbeagle/corendex/internal/errors"

// minFreeSpace is the heuristic threshold under which a leaf is
// considered full enough to flush proactively. An entry larger than the
// space still free in the current leaf is rejected by Insert with an
// InvalidStateError.
const minFreeSpace = 64

// PersistFunc writes buf to its final resting place and reports where it
// landed. SiblingPatchFunc goes back and rewrites the sibling-pointer
// bytes of an already-persisted leaf once its successor's coordinates
// are known.
type PersistFunc func(buf []byte) (PageRef, error)
type SiblingPatchFunc func(ref PageRef, siblingPatchOffset int, sibling PageRef) error

type separator struct {
	key string
	ref PageRef
}

// Builder bulk-loads a B-tree from keys delivered in ascending order
// (§4.5). It performs no I/O itself: callers persist every page it hands
// back via Insert/Flushed, and supply persistence callbacks to Finalise
// for the routing levels it builds once the leaf stream ends.
type Builder struct {
	pageSize int

	cur                  *page
	awaitingFlush        bool
	pendingSiblingOffset int

	prevLeafRef   PageRef
	prevLeafPatch int
	havePrevLeaf  bool

	leaves []separator
}

// New creates a Builder whose pages are pageSize bytes.
func New(pageSize int) *Builder {
	return &Builder{pageSize: pageSize, cur: newPage(pageSize, true)}
}

// Insert reserves a payloadSize-byte slot for term in the current leaf;
// the caller fills page[offset:offset+payloadSize] with the encoded
// vocab vector. If flush is true, the page has no room for more entries:
// the caller must call CompleteLeaf, persist the buffer it returns, and
// report where it landed via Flushed before the next Insert.
func (b *Builder) Insert(term string, payloadSize int) (page []byte, payloadOffset int, flush bool, err error) {
	if b.awaitingFlush {
		return nil, 0, false, corerr.NewInvalidStateError("btree.Insert", "previous leaf flush not yet acknowledged via Flushed")
	}
	if !b.cur.fits(term, payloadSize) {
		if b.cur.empty() {
			return nil, 0, false, corerr.NewInvalidStateError("btree.Insert", "entry too large for an empty page")
		}
		return nil, 0, false, corerr.NewInvalidStateError("btree.Insert", "leaf unexpectedly full without a prior flush signal")
	}

	off := b.cur.add(term, payloadSize)
	if b.cur.payloadEnd-b.cur.keyEnd < minFreeSpace {
		b.awaitingFlush = true
		return b.cur.buf, off, true, nil
	}
	return b.cur.buf, off, false, nil
}

// CompleteLeaf applies prefix compression and writes the tail of the leaf
// most recently flagged by Insert, returning the final bytes to persist.
// The caller must persist them and report the result via Flushed before
// the next Insert.
func (b *Builder) CompleteLeaf() (buf []byte, err error) {
	if !b.awaitingFlush {
		return nil, corerr.NewInvalidStateError("btree.CompleteLeaf", "no pending leaf flush")
	}
	buf, siblingOffset, err := b.cur.finalise()
	if err != nil {
		return nil, err
	}
	b.pendingSiblingOffset = siblingOffset
	return buf, nil
}

// Flushed reports that the leaf completed by CompleteLeaf has been
// persisted at ref. It returns whether a previously-flushed leaf's
// sibling pointer can now be patched with ref, and what offset within
// that earlier page to patch.
func (b *Builder) Flushed(ref PageRef) (prev PageRef, patchOffset int, hasPrev bool, err error) {
	if !b.awaitingFlush {
		return PageRef{}, 0, false, corerr.NewInvalidStateError("btree.Flushed", "no pending leaf flush")
	}

	b.leaves = append(b.leaves, separator{key: b.cur.firstKey(), ref: ref})

	prev, patchOffset, hasPrev = b.prevLeafRef, b.prevLeafPatch, b.havePrevLeaf
	b.prevLeafRef, b.prevLeafPatch, b.havePrevLeaf = ref, b.pendingSiblingOffset, true

	b.cur = newPage(b.pageSize, true)
	b.awaitingFlush = false
	return prev, patchOffset, hasPrev, nil
}

// Finalise flushes any partially-filled final leaf, then builds every
// routing level above the leaves bottom-up, persisting each page via
// persist and patching prior-level sibling pointers via patch. It
// returns the root page's coordinates.
func (b *Builder) Finalise(persist PersistFunc, patch SiblingPatchFunc) (PageRef, error) {
	if b.awaitingFlush {
		return PageRef{}, corerr.NewInvalidStateError("btree.Finalise", "a leaf flush is still pending acknowledgement")
	}

	if !b.cur.empty() {
		buf, _, err := b.cur.finalise()
		if err != nil {
			return PageRef{}, err
		}
		ref, err := persist(buf)
		if err != nil {
			return PageRef{}, err
		}
		b.leaves = append(b.leaves, separator{key: b.cur.firstKey(), ref: ref})
		if b.havePrevLeaf {
			if err := patch(b.prevLeafRef, b.prevLeafPatch, ref); err != nil {
				return PageRef{}, err
			}
		}
	}

	if len(b.leaves) == 0 {
		return PageRef{}, corerr.NewInvalidStateError("btree.Finalise", "no entries were inserted")
	}

	level := b.leaves
	for len(level) > 1 {
		next, err := b.buildLevel(level, persist)
		if err != nil {
			return PageRef{}, err
		}
		if len(next) >= len(level) {
			return PageRef{}, corerr.NewInvalidStateError("btree.Finalise", "page size too small to make progress building a routing level")
		}
		level = next
	}
	return level[0].ref, nil
}

// buildLevel packs entries from below into one or more internal pages
// and returns the separators for the level above.
func (b *Builder) buildLevel(entries []separator, persist PersistFunc) ([]separator, error) {
	var out []separator
	cur := newPage(b.pageSize, false)

	flush := func() error {
		if cur.empty() {
			return nil
		}
		buf, _, err := cur.finalise()
		if err != nil {
			return err
		}
		ref, err := persist(buf)
		if err != nil {
			return err
		}
		out = append(out, separator{key: cur.firstKey(), ref: ref})
		cur = newPage(b.pageSize, false)
		return nil
	}

	for _, e := range entries {
		if !cur.fits(e.key, childPointerSize) {
			if cur.empty() {
				return nil, corerr.NewInvalidStateError("btree.buildLevel", "separator too large for an empty internal page")
			}
			if err := flush(); err != nil {
				return nil, err
			}
		}
		off := cur.add(e.key, childPointerSize)
		putU32(cur.buf[off:], e.ref.Fileno)
		putU64(cur.buf[off+4:], e.ref.Offset)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// childPointerSize is the fixed payload size of an internal node's
// entry: one (fileno, offset) pointer to the child page.
const childPointerSize = tailPointerSize
