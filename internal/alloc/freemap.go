package alloc

import (
	"math/bits"
	"math/rand"

	"github.com/standardbeagle/corendex/internal/debug"
	corerr "github.com/standardbeagle/corendex/internal/errors"
)

// Config configures a Freemap at construction time.
type Config struct {
	// Strategy is the default placement strategy used by Alloc.
	Strategy Strategy
	// SampleRate is the probability (0..1) that a freed record is also
	// indexed in the rb-tree. The spec names ~20%.
	SampleRate float64
	// NewFile is invoked when the map needs more backing space.
	NewFile NewFileFunc
}

// Freemap is a segregated-fit allocator over a set of files (§4.3).
// It is transaction-less: callers persist the extents it hands out.
type Freemap struct {
	arena arena
	tree  rbTree

	freeHead, freeTail int32
	sizeHead, sizeTail [sizeLists]int32

	unusedTails map[uint32]Extent
	fileCount   int

	strategy   Strategy
	sampleRate float64
	newFile    NewFileFunc

	waste uint64 // write-only observability counter (§9 open question 3)
}

// New creates an empty Freemap.
func New(cfg Config) *Freemap {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.2
	}
	f := &Freemap{
		freeHead:    nilIdx,
		freeTail:    nilIdx,
		unusedTails: make(map[uint32]Extent),
		strategy:    cfg.Strategy,
		sampleRate:  cfg.SampleRate,
		newFile:     cfg.NewFile,
	}
	for i := range f.sizeHead {
		f.sizeHead[i] = nilIdx
		f.sizeTail[i] = nilIdx
	}
	return f
}

func floorClass(size uint64) int {
	if size == 0 {
		return 0
	}
	c := bits.Len64(size) - 1
	if c >= sizeLists {
		c = sizeLists - 1
	}
	return c
}

func startClass(need uint64) int {
	if need <= 1 {
		return 0
	}
	c := bits.Len64(need - 1)
	if c >= sizeLists {
		c = sizeLists - 1
	}
	return c
}

func recKey(r *record) rbKey { return rbKey{r.extent.Fileno, r.extent.Offset} }

// ---- free list (sorted by fileno, offset) ----

func (f *Freemap) locatePreceding(fileno uint32, offset uint64) int32 {
	target := rbKey{fileno, offset}
	if start, ok := f.tree.Floor(target); ok {
		idx := start
		for {
			nxt := f.arena.get(idx).nextFree
			if nxt == nilIdx {
				break
			}
			nk := recKey(f.arena.get(nxt))
			if nk.less(target) || nk == target {
				idx = nxt
				continue
			}
			break
		}
		return idx
	}
	idx := f.freeHead
	prev := int32(nilIdx)
	for idx != nilIdx {
		nk := recKey(f.arena.get(idx))
		if nk.less(target) || nk == target {
			prev = idx
			idx = f.arena.get(idx).nextFree
			continue
		}
		break
	}
	return prev
}

// linkFreeAfter splices idx into the free list immediately after prec
// (nilIdx meaning "at the head").
func (f *Freemap) linkFreeAfter(prec, idx int32) {
	r := f.arena.get(idx)
	if prec == nilIdx {
		r.nextFree = f.freeHead
		r.prevFree = nilIdx
		if f.freeHead != nilIdx {
			f.arena.get(f.freeHead).prevFree = idx
		}
		f.freeHead = idx
		if f.freeTail == nilIdx {
			f.freeTail = idx
		}
		return
	}
	pr := f.arena.get(prec)
	nxt := pr.nextFree
	r.prevFree = prec
	r.nextFree = nxt
	pr.nextFree = idx
	if nxt != nilIdx {
		f.arena.get(nxt).prevFree = idx
	} else {
		f.freeTail = idx
	}
}

func (f *Freemap) unlinkFree(idx int32) {
	r := f.arena.get(idx)
	if r.prevFree != nilIdx {
		f.arena.get(r.prevFree).nextFree = r.nextFree
	} else {
		f.freeHead = r.nextFree
	}
	if r.nextFree != nilIdx {
		f.arena.get(r.nextFree).prevFree = r.prevFree
	} else {
		f.freeTail = r.prevFree
	}
	r.prevFree, r.nextFree = nilIdx, nilIdx
}

// ---- size-segregated lists ----

func (f *Freemap) linkSize(idx int32) {
	r := f.arena.get(idx)
	c := floorClass(r.extent.Size)
	r.sizeClass = c
	head := f.sizeHead[c]
	r.prevSize = nilIdx
	r.nextSize = head
	if head != nilIdx {
		f.arena.get(head).prevSize = idx
	} else {
		f.sizeTail[c] = idx
	}
	f.sizeHead[c] = idx
}

func (f *Freemap) unlinkSize(idx int32) {
	r := f.arena.get(idx)
	c := r.sizeClass
	if r.prevSize != nilIdx {
		f.arena.get(r.prevSize).nextSize = r.nextSize
	} else {
		f.sizeHead[c] = r.nextSize
	}
	if r.nextSize != nilIdx {
		f.arena.get(r.nextSize).prevSize = r.prevSize
	} else {
		f.sizeTail[c] = r.prevSize
	}
	r.prevSize, r.nextSize = nilIdx, nilIdx
}

func (f *Freemap) relinkSize(idx int32) {
	r := f.arena.get(idx)
	if floorClass(r.extent.Size) == r.sizeClass {
		return
	}
	f.unlinkSize(idx)
	f.linkSize(idx)
}

// ---- index maintenance ----

func (f *Freemap) maybeIndex(idx int32) {
	r := f.arena.get(idx)
	if r.indexed {
		return
	}
	if rand.Float64() < f.sampleRate {
		r.indexed = true
		f.tree.Insert(recKey(r), idx)
	}
}

func (f *Freemap) unindex(idx int32) {
	r := f.arena.get(idx)
	if !r.indexed {
		return
	}
	f.tree.Delete(recKey(r))
	r.indexed = false
}

// removeFreeRecord fully detaches idx from every structure and releases
// its arena slot.
func (f *Freemap) removeFreeRecord(idx int32) {
	f.unindex(idx)
	f.unlinkSize(idx)
	f.unlinkFree(idx)
	f.arena.release(idx)
}

// ---- insertion with coalescing (§4.3 "Free/coalesce") ----

// insertFree adds e as a free extent, coalescing with adjacent free
// records in the same file, and returns the index of the (possibly
// merged) record.
func (f *Freemap) insertFree(e Extent) int32 {
	prec := f.locatePreceding(e.Fileno, e.Offset)
	var idx int32
	mergedIntoPrec := false

	if prec != nilIdx {
		pr := f.arena.get(prec)
		if pr.extent.Fileno == e.Fileno && pr.extent.End() == e.Offset {
			debug.LogFreemap("coalesce prec fileno=%d offset=%d+%d into %d\n", e.Fileno, e.Offset, e.Size, pr.extent.Offset)
			pr.extent.Size += e.Size
			idx = prec
			mergedIntoPrec = true
			f.relinkSize(idx)
		}
	}

	if !mergedIntoPrec {
		idx = f.arena.alloc(record{extent: e, prevFree: nilIdx, nextFree: nilIdx, prevSize: nilIdx, nextSize: nilIdx})
		f.linkFreeAfter(prec, idx)
		f.linkSize(idx)
	}

	// Try merging the successor into idx.
	succ := f.arena.get(idx).nextFree
	if succ != nilIdx {
		sr := f.arena.get(succ)
		cur := f.arena.get(idx)
		if sr.extent.Fileno == cur.extent.Fileno && cur.extent.End() == sr.extent.Offset {
			debug.LogFreemap("coalesce succ fileno=%d offset=%d+%d into %d\n", sr.extent.Fileno, sr.extent.Offset, sr.extent.Size, cur.extent.Offset)
			cur.extent.Size += sr.extent.Size
			f.removeFreeRecord(succ)
			f.relinkSize(idx)
		}
	}

	if !mergedIntoPrec {
		f.maybeIndex(idx)
	}
	return idx
}

// Free returns e to the map, coalescing with neighbors (§4.3, §8
// round-trip property 2).
func (f *Freemap) Free(e Extent) error {
	if e.Size == 0 {
		return corerr.NewInvalidStateError("freemap.Free", "zero-size extent")
	}
	f.insertFree(e)
	return nil
}

// ---- allocation ----

// Alloc finds and carves out an extent of at least need bytes using the
// given strategy. exact forces the returned extent to be exactly need
// bytes; otherwise a remainder no larger than appendSlack is absorbed
// into the caller's allocation instead of kept as a separate free record
// (§4.3 "Exact vs loose fit").
func (f *Freemap) Alloc(need uint64, strategy Strategy, exact bool, appendSlack uint64) (Extent, error) {
	if need == 0 {
		return Extent{}, corerr.NewInvalidStateError("freemap.Alloc", "zero-size request")
	}

	idx, ok := f.findCandidate(need, strategy)
	if !ok {
		grown, err := f.grow(need)
		if err != nil {
			return Extent{}, err
		}
		if !grown {
			return Extent{}, corerr.NewNotFoundError("freemap.Alloc", "no extent large enough and grow unavailable")
		}
		idx, ok = f.findCandidate(need, strategy)
		if !ok {
			return Extent{}, corerr.NewNotFoundError("freemap.Alloc", "no extent large enough after grow")
		}
	}

	r := f.arena.get(idx)
	full := r.extent
	remainder := full.Size - need

	if remainder == 0 {
		f.removeFreeRecord(idx)
		return full, nil
	}
	if !exact && remainder <= appendSlack {
		f.removeFreeRecord(idx)
		return full, nil
	}

	// Split: caller gets the front [offset, offset+need), the tail
	// remains free in place (offset shifts forward; free-list ordering
	// is preserved since it only ever grows within the same gap).
	out := Extent{Fileno: full.Fileno, Offset: full.Offset, Size: need}
	wasIndexed := r.indexed
	if wasIndexed {
		f.tree.Delete(recKey(r))
	}
	r.extent.Offset += need
	r.extent.Size = remainder
	f.relinkSize(idx)
	if wasIndexed {
		f.tree.Insert(recKey(r), idx)
	}
	return out, nil
}

func (f *Freemap) findCandidate(need uint64, strategy Strategy) (int32, bool) {
	switch strategy {
	case StrategyFirst:
		for idx := f.freeHead; idx != nilIdx; idx = f.arena.get(idx).nextFree {
			if f.arena.get(idx).extent.Size >= need {
				return idx, true
			}
		}
		return 0, false
	case StrategyClose:
		for c := startClass(need); c < sizeLists; c++ {
			if f.sizeHead[c] != nilIdx {
				return f.sizeHead[c], true
			}
		}
		return 0, false
	case StrategyBest:
		for c := startClass(need); c < sizeLists; c++ {
			if f.sizeHead[c] == nilIdx {
				continue
			}
			best := int32(nilIdx)
			var bestSize uint64
			for idx := f.sizeHead[c]; idx != nilIdx; idx = f.arena.get(idx).nextSize {
				sz := f.arena.get(idx).extent.Size
				if sz >= need && (best == nilIdx || sz < bestSize) {
					best, bestSize = idx, sz
				}
			}
			if best != nilIdx {
				return best, true
			}
		}
		return 0, false
	case StrategyWorst:
		minC := startClass(need)
		for c := sizeLists - 1; c >= minC; c-- {
			if f.sizeHead[c] == nilIdx {
				continue
			}
			best := int32(nilIdx)
			var bestSize uint64
			for idx := f.sizeHead[c]; idx != nilIdx; idx = f.arena.get(idx).nextSize {
				sz := f.arena.get(idx).extent.Size
				if sz >= need && (best == nilIdx || sz > bestSize) {
					best, bestSize = idx, sz
				}
			}
			if best != nilIdx {
				return best, true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// addFile requests one new file from NewFile, tracking its whole span as
// an unused tail, and reports whether a file was actually created.
func (f *Freemap) addFile() (bool, error) {
	if f.newFile == nil {
		return false, nil
	}
	fileno, size, err := f.newFile(f.fileCount)
	if err != nil {
		return false, corerr.NewIOError("freemap.addFile.newFile", "", err)
	}
	f.fileCount++
	if size > 0 {
		f.unusedTails[fileno] = Extent{Fileno: fileno, Offset: 0, Size: size}
	}
	return true, nil
}

// grow folds every tracked unused tail into the free list, then — if that
// still wasn't enough — requests a new file and folds its whole span in
// too. It reports whether any backing space changed at all.
func (f *Freemap) grow(need uint64) (bool, error) {
	changed := false
	for fileno, tail := range f.unusedTails {
		delete(f.unusedTails, fileno)
		f.insertFree(tail)
		changed = true
	}
	if f.hasAdequateFree(need) {
		return changed, nil
	}
	debug.LogFreemap("grow: no adequate free extent for need=%d, requesting new file\n", need)
	created, err := f.addFile()
	if err != nil {
		return changed, err
	}
	if !created {
		return changed, nil
	}
	for fileno, tail := range f.unusedTails {
		debug.LogFreemap("grow: folding new file fileno=%d tail=%d bytes into free list\n", fileno, tail.Size)
		delete(f.unusedTails, fileno)
		f.insertFree(tail)
	}
	return true, nil
}

func (f *Freemap) hasAdequateFree(need uint64) bool {
	_, ok := f.findCandidate(need, StrategyFirst)
	return ok
}

// AllocAt carves out exactly [loc.Offset, loc.Offset+need) from whatever
// free record or unused tail covers it, requesting new files via NewFile
// until the location is reachable if it falls entirely beyond any
// existing file's unused tail (§4.3 "Allocate-at-location").
func (f *Freemap) AllocAt(loc Extent, need uint64) (Extent, error) {
	if need == 0 {
		return Extent{}, corerr.NewInvalidStateError("freemap.AllocAt", "zero-size request")
	}
	target := Extent{Fileno: loc.Fileno, Offset: loc.Offset, Size: need}

	if idx, ok := f.findCovering(target); ok {
		return f.carveFree(idx, target)
	}
	if tail, ok := f.unusedTails[loc.Fileno]; ok && tail.Offset <= loc.Offset && loc.Offset+need <= tail.End() {
		return f.carveTail(loc.Fileno, target)
	}

	// Not reachable yet: keep requesting new files until one produces the
	// location's fileno with enough room, or NewFile gives up.
	const maxAttempts = 1 << 16
	for i := 0; i < maxAttempts; i++ {
		created, err := f.addFile()
		if err != nil {
			return Extent{}, err
		}
		if !created {
			return Extent{}, corerr.NewNotFoundError("freemap.AllocAt", "location unreachable")
		}
		if tail, ok := f.unusedTails[loc.Fileno]; ok && tail.Offset <= loc.Offset && loc.Offset+need <= tail.End() {
			return f.carveTail(loc.Fileno, target)
		}
	}
	return Extent{}, corerr.NewNotFoundError("freemap.AllocAt", "location unreachable after growth limit")
}

func (f *Freemap) findCovering(target Extent) (int32, bool) {
	prec := f.locatePreceding(target.Fileno, target.Offset)
	if prec == nilIdx {
		return 0, false
	}
	r := f.arena.get(prec)
	if r.extent.Fileno == target.Fileno && r.extent.Offset <= target.Offset && target.End() <= r.extent.End() {
		return prec, true
	}
	return 0, false
}

// carveFree splits target out of the free record at idx, which must
// fully cover it; any prefix/suffix remainder stays free.
func (f *Freemap) carveFree(idx int32, target Extent) (Extent, error) {
	r := f.arena.get(idx)
	full := r.extent
	prefix := target.Offset - full.Offset
	suffix := full.End() - target.End()

	f.removeFreeRecord(idx)
	if prefix > 0 {
		f.insertFree(Extent{Fileno: full.Fileno, Offset: full.Offset, Size: prefix})
	}
	if suffix > 0 {
		f.insertFree(Extent{Fileno: full.Fileno, Offset: target.End(), Size: suffix})
	}
	return target, nil
}

// carveTail splits target out of the unused tail for fileno. Any part of
// the tail before target becomes an ordinary free record; any remaining
// suffix stays as the new unused tail.
func (f *Freemap) carveTail(fileno uint32, target Extent) (Extent, error) {
	tail := f.unusedTails[fileno]
	if tail.Offset < target.Offset {
		f.insertFree(Extent{Fileno: fileno, Offset: tail.Offset, Size: target.Offset - tail.Offset})
	}
	suffix := tail.End() - target.End()
	if suffix > 0 {
		f.unusedTails[fileno] = Extent{Fileno: fileno, Offset: target.End(), Size: suffix}
	} else {
		delete(f.unusedTails, fileno)
	}
	return target, nil
}

// Waste reports the write-only waste counter (§9 open question 3): the
// bytes reported through AddWaste. Alloc and Free neither add to it nor
// consult it.
func (f *Freemap) Waste() uint64 { return f.waste }

// AddWaste lets callers (e.g. the merge's overallocation step) reflect
// bytes spent on padding, rather than real postings, into the counter.
func (f *Freemap) AddWaste(n uint64) { f.waste += n }
