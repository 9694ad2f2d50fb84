package merge

import (
	"github.com/standardbeagle/corendex/internal/btree"
	"github.com/standardbeagle/corendex/internal/codec"
	"github.com/standardbeagle/corendex/internal/debug"
	corerr "github.com/standardbeagle/corendex/internal/errors"
)

// placementKind distinguishes the final merge's per-term storage decision
// (§4.1 step 4 "Placement decision").
type placementKind int

const (
	placementNone placementKind = iota
	placementInline
	placementExtent
)

const (
	subPhaseHeader = iota
	subPhaseMemberFirst
	subPhaseMemberBody
	subPhaseOveralloc
	subPhaseDone
)

// groupMember is one input's contribution to the same-term group selected
// in SELECT. firstToken is the value actually streamed for this member:
// the original absolute first docno for the group's first member, or the
// delta rebased against the previous member's last docno (§4.1 step 3).
type groupMember struct {
	ch         *channel
	firstToken uint64
}

type finalWrite struct {
	buf    []byte
	fileno uint32
	offset uint64
}

type finalPatch struct {
	buf    [12]byte
	fileno uint32
	offset uint64
}

// Config parameterizes a Machine (§4.1, §4.2 "buffer partition", §6
// tunables max_filesize / vocab_lsize / pagesize).
type Config struct {
	// Final selects the final-merge variant (vector files + B-tree) when
	// true, or the intermediate-merge variant (another sorted run) when
	// false.
	Final bool
	// K is the number of input channels.
	K int
	// MaxFilesize bounds both intermediate output files and, for the
	// final merge, vector files and vocab (B-tree) files.
	MaxFilesize uint64
	// VocabLsize is the inline-vs-extent cutoff (final only).
	VocabLsize uint64
	// PageSize is the B-tree page size (final only).
	PageSize int
	// OverallocNum/OverallocDen express the extent overallocation ratio
	// (final only): capacity = size + size*Num/Den. Zero means no
	// overallocation (capacity == size).
	OverallocNum, OverallocDen uint64

	StartFileno      uint32
	StartOffset      uint64
	VocabStartFileno uint32
	VocabStartOffset uint64
}

// Machine is the resumable k-way merge state machine (§4.1).
type Machine struct {
	cfg Config

	chans      []*channel
	heap       chanHeap
	activeChan int
	pendingHeaders []int

	state State
	err   error

	term                               string
	group                              []groupMember
	groupDocs, groupOccurs, groupLast  uint64
	groupSize, groupFirst              uint64
	streamMemberIdx, streamSubPhase    int
	overallocRemaining                 uint64

	curFileno uint32
	curOffset uint64

	pendingChunk   []byte
	afterFlushState State

	placement        placementKind
	capacity         uint64
	extFileno        uint32
	extOffset        uint64
	inlineBuf        []byte

	builder        *btree.Builder
	vocabFileno    uint32
	vocabOffset    uint64
	btreePhase     int
	lastLeafRef    btree.PageRef
	distinctTerms  uint64
	totalOccurs    uint64
	rootRef        btree.PageRef

	pendingFinalWrites  []finalWrite
	pendingFinalPatches []finalPatch
}

// New creates a Machine for k input channels.
func New(cfg Config) (*Machine, error) {
	if cfg.K <= 0 {
		return nil, corerr.NewInvalidStateError("merge.New", "k must be positive")
	}
	if cfg.MaxFilesize == 0 {
		return nil, corerr.NewInvalidStateError("merge.New", "max filesize must be positive")
	}
	m := &Machine{
		cfg:         cfg,
		chans:       make([]*channel, cfg.K),
		activeChan:  -1,
		curFileno:   cfg.StartFileno,
		curOffset:   cfg.StartOffset,
		vocabFileno: cfg.VocabStartFileno,
		vocabOffset: cfg.VocabStartOffset,
		state:       StateStart,
	}
	for i := range m.chans {
		m.chans[i] = newChannel(i)
		m.pendingHeaders = append(m.pendingHeaders, i)
	}
	m.heap.ch = m.chans
	if cfg.Final {
		pageSize := cfg.PageSize
		if pageSize <= 0 {
			pageSize = 4096
		}
		m.builder = btree.New(pageSize)
	}
	return m, nil
}

// Feed hands newly-available bytes for channel i to the machine.
func (m *Machine) Feed(i int, data []byte) { m.chans[i].feed(data) }

// InputEOF signals that channel i has no more bytes (§4.1 "INPUT_EOF").
func (m *Machine) InputEOF(i int) { m.chans[i].eof = true }

// ProvideOutputFile resumes a machine suspended on ResultNeedOutputFile,
// supplying the fileno of the file the driver just opened or created.
func (m *Machine) ProvideOutputFile(fileno uint32) error {
	if m.state != StateFlushNewFile && m.state != StateFlushSwitch {
		return corerr.NewInvalidStateError("merge.ProvideOutputFile", "no pending output-file request")
	}
	m.curFileno = fileno
	m.curOffset = 0
	m.state = m.afterFlushState
	return nil
}

// State reports the machine's current observable state, for diagnostics.
func (m *Machine) State() State { return m.state }

// Stats reports the final merge's summary outputs (§4.2 "Final merge"):
// the B-tree root coordinates, distinct term count, and total occurrence
// count split into high/low 32-bit halves per §6's params-file layout.
// Valid only once Step has returned ResultOK for a Final machine.
type Stats struct {
	RootFileno      uint32
	RootOffset      uint64
	DistinctTerms   uint64
	TotalOccursHigh uint32
	TotalOccursLow  uint32
}

func (m *Machine) Stats() Stats {
	return Stats{
		RootFileno:      m.rootRef.Fileno,
		RootOffset:      m.rootRef.Offset,
		DistinctTerms:   m.distinctTerms,
		TotalOccursHigh: uint32(m.totalOccurs >> 32),
		TotalOccursLow:  uint32(m.totalOccurs),
	}
}

func (m *Machine) fail(err error) {
	m.err = err
	m.state = StateErr
}

// Step advances the machine and returns the next action the driver must
// take (§4.1 "public contract"). It never blocks: every suspension is
// expressed as a Result.
func (m *Machine) Step() Result {
	res := m.stepInner()
	debug.LogMerge("step state=%s result=%s channel=%d fileno=%d offset=%d\n",
		m.state, res.Kind, res.Channel, res.Fileno, res.Offset)
	return res
}

func (m *Machine) stepInner() Result {
	for {
		if len(m.pendingFinalWrites) > 0 {
			w := m.pendingFinalWrites[0]
			m.pendingFinalWrites = m.pendingFinalWrites[1:]
			return Result{Kind: ResultOutputBtree, Buf: w.buf, Fileno: w.fileno, Offset: w.offset}
		}
		if len(m.pendingFinalPatches) > 0 {
			p := m.pendingFinalPatches[0]
			m.pendingFinalPatches = m.pendingFinalPatches[1:]
			return Result{Kind: ResultPatchSibling, Buf: p.buf[:], Fileno: p.fileno, Offset: p.offset}
		}
		if len(m.pendingChunk) > 0 && m.state != StateFlushNewFile {
			b := m.pendingChunk
			m.pendingChunk = nil
			if res, ok := m.emitBytes(b); ok {
				return res
			}
			continue
		}

		switch m.state {
		case StateErr:
			return Result{Kind: ResultErr, Err: m.err}
		case StateFinished:
			return Result{Kind: ResultOK}
		case StateFlushNewFile:
			return Result{Kind: ResultNeedOutputFile, Reason: "newfile"}
		case StateFlushSwitch:
			return Result{Kind: ResultNeedOutputFile, Reason: "switch"}
		}

		if r, ready := m.driveHeaders(); !ready {
			return r
		}
		if m.state == StateErr {
			continue
		}

		switch m.state {
		case StateStart:
			m.state = StateSelect
		case StateSelect:
			if err := m.doSelect(); err != nil {
				m.fail(err)
			}
		case StateWriteFileFirst, StateWriteFileBody, StateWriteFileOverAlloc, StateWriteFileEnd:
			if res, ok := m.advanceBodyStream(); ok {
				return res
			}
		case StateWriteVocabFirst, StateWriteVocabBody, StateWriteVocabEnd:
			if res, ok := m.advanceInlineStream(); ok {
				return res
			}
		case StateAssignVocab:
			if res, ok := m.assignVocab(); ok {
				return res
			}
		case StateWriteBtree:
			if res, ok := m.advanceBtreeLeaf(); ok {
				return res
			}
		case StatePrefinish:
			if res, ok := m.finalizeFinal(); ok {
				return res
			}
		default:
			m.fail(corerr.NewInvalidStateError("merge.Step", m.state.String()))
		}
	}
}

// driveHeaders ensures every channel with a pending re-read has its next
// record header decoded (or is confirmed EOF) before SELECT may run. It
// returns ready == false when it must suspend for more input; the caller
// should return the embedded Result in that case.
func (m *Machine) driveHeaders() (Result, bool) {
	for {
		if m.activeChan < 0 {
			if len(m.pendingHeaders) == 0 {
				return Result{}, true
			}
			m.activeChan = m.pendingHeaders[0]
			m.pendingHeaders = m.pendingHeaders[1:]
		}
		ch := m.chans[m.activeChan]
		if ch.eof && ch.headerState == StateReadTermLen && len(ch.pending) == 0 {
			m.activeChan = -1
			continue
		}
		done, err := ch.advanceHeader()
		if err != nil {
			m.fail(err)
			return Result{}, true
		}
		if !done {
			if ch.eof {
				m.fail(corerr.NewCorruptError("merge.driveHeaders", "EOF mid-record on input channel", nil))
				return Result{}, true
			}
			return Result{Kind: ResultNeedInput, Channel: ch.idx, NextReadHint: 8}, false
		}
		m.heap.push(m.activeChan)
		m.activeChan = -1
	}
}

// doSelect implements §4.1 steps 2-4: pop the smallest same-term group,
// delta-rebase it, sum its vocab-vector fields, and decide where this
// record's output goes.
func (m *Machine) doSelect() error {
	if m.heap.Len() == 0 {
		m.state = StatePrefinish
		return nil
	}

	first := m.heap.pop()
	term := m.chans[first].term
	group := []groupMember{{ch: m.chans[first], firstToken: m.chans[first].first}}
	for m.heap.Len() > 0 {
		t, ok := m.heap.peekTerm()
		if !ok || t != term {
			break
		}
		group = append(group, groupMember{ch: m.chans[m.heap.pop()]})
	}

	for i := 1; i < len(group); i++ {
		prev, cur := group[i-1].ch, group[i].ch
		if cur.first <= prev.last {
			return corerr.NewCorruptError("merge.doSelect", "non-disjoint docno ranges for term "+term, nil)
		}
		group[i].firstToken = cur.first - (prev.last + 1)
	}

	var docs, occurs, size uint64
	for i, gm := range group {
		docs += gm.ch.docs
		occurs += gm.ch.occurs
		if i == 0 && !m.cfg.Final {
			size += gm.ch.size
		} else {
			size += uint64(codec.SizeUvarint(gm.firstToken)) + gm.ch.size
		}
	}

	m.term = term
	m.group = group
	m.groupDocs, m.groupOccurs, m.groupLast, m.groupSize = docs, occurs, group[len(group)-1].ch.last, size
	m.groupFirst = group[0].ch.first
	m.streamMemberIdx = 0
	m.streamSubPhase = subPhaseHeader
	m.placement = placementNone

	if !m.cfg.Final {
		m.state = StateWriteFileFirst
		return nil
	}

	if size < m.cfg.VocabLsize {
		m.placement = placementInline
		m.inlineBuf = m.inlineBuf[:0]
		m.state = StateWriteVocabFirst
		return nil
	}

	m.placement = placementExtent
	m.capacity = m.computeCapacity(size)
	if m.curOffset > 0 && m.curOffset+m.capacity > m.cfg.MaxFilesize {
		m.afterFlushState = StateWriteFileFirst
		m.state = StateFlushSwitch
		return nil
	}
	m.extFileno, m.extOffset = m.curFileno, m.curOffset
	m.state = StateWriteFileFirst
	return nil
}

func (m *Machine) computeCapacity(size uint64) uint64 {
	if m.cfg.OverallocNum == 0 || m.cfg.OverallocDen == 0 {
		return size
	}
	return size + size*m.cfg.OverallocNum/m.cfg.OverallocDen
}

// emitBytes hands b to the output stream at the current write cursor. For
// the intermediate merge, a chunk that would cross MaxFilesize is split:
// the portion that fits is returned now and the remainder is stashed in
// pendingChunk behind a ResultNeedOutputFile request (§4.1 step 5,
// "Flush a request of the current output buffer").
func (m *Machine) emitBytes(b []byte) (Result, bool) {
	if len(b) == 0 {
		return Result{}, false
	}
	if !m.cfg.Final {
		avail := m.cfg.MaxFilesize - m.curOffset
		if uint64(len(b)) > avail {
			fit, rest := b[:avail], b[avail:]
			m.pendingChunk = rest
			m.afterFlushState = m.state
			m.state = StateFlushNewFile
			if len(fit) == 0 {
				return Result{}, false
			}
			res := Result{Kind: ResultOutputVectors, Buf: fit, Fileno: m.curFileno, Offset: m.curOffset}
			m.curOffset += uint64(len(fit))
			return res, true
		}
	}
	res := Result{Kind: ResultOutputVectors, Buf: b, Fileno: m.curFileno, Offset: m.curOffset}
	m.curOffset += uint64(len(b))
	return res, true
}

// advanceBodyStream streams the selected group's header (intermediate
// only), each member's first-token and body, and any extent
// overallocation padding (final-extent only) to the output stream.
func (m *Machine) advanceBodyStream() (Result, bool) {
	for {
		switch m.streamSubPhase {
		case subPhaseHeader:
			if m.cfg.Final {
				m.extFileno, m.extOffset = m.curFileno, m.curOffset
				m.streamSubPhase = subPhaseMemberFirst
				m.state = StateWriteFileFirst
				continue
			}
			var hdr []byte
			hdr = codec.PutUvarint(hdr, uint64(len(m.term)))
			hdr = append(hdr, m.term...)
			hdr = codec.PutUvarint(hdr, m.groupDocs)
			hdr = codec.PutUvarint(hdr, m.groupOccurs)
			hdr = codec.PutUvarint(hdr, m.groupLast)
			hdr = codec.PutUvarint(hdr, m.groupSize)
			hdr = codec.PutUvarint(hdr, m.groupFirst)
			m.streamSubPhase = subPhaseMemberFirst
			m.state = StateWriteFileFirst
			if res, ok := m.emitBytes(hdr); ok {
				return res, true
			}
			continue

		case subPhaseMemberFirst:
			if m.streamMemberIdx >= len(m.group) {
				m.streamSubPhase = subPhaseOveralloc
				m.state = StateWriteFileOverAlloc
				continue
			}
			gm := m.group[m.streamMemberIdx]
			if m.streamMemberIdx == 0 && !m.cfg.Final {
				m.streamSubPhase = subPhaseMemberBody
				m.state = StateWriteFileBody
				continue
			}
			tok := codec.PutUvarint(nil, gm.firstToken)
			m.streamSubPhase = subPhaseMemberBody
			m.state = StateWriteFileBody
			if res, ok := m.emitBytes(tok); ok {
				return res, true
			}
			continue

		case subPhaseMemberBody:
			gm := m.group[m.streamMemberIdx]
			if gm.ch.bodyRemaining == 0 {
				m.streamMemberIdx++
				m.streamSubPhase = subPhaseMemberFirst
				m.state = StateWriteFileFirst
				continue
			}
			chunkMax := overallocChunk
			if gm.ch.bodyRemaining > BigThreshold && len(gm.ch.pending) >= BigThreshold {
				chunkMax = BigThreshold
			}
			chunk := gm.ch.takeBodyChunk(chunkMax)
			if len(chunk) == 0 {
				if gm.ch.eof {
					m.fail(corerr.NewCorruptError("merge.advanceBodyStream", "EOF mid posting body", nil))
					return Result{}, false
				}
				return Result{Kind: ResultNeedInput, Channel: gm.ch.idx, NextReadHint: chunkMax}, true
			}
			return m.emitBytes(chunk)

		case subPhaseOveralloc:
			if !m.cfg.Final || m.placement != placementExtent || m.capacity <= m.groupSize {
				m.streamSubPhase = subPhaseDone
				m.state = StateWriteFileEnd
				continue
			}
			if m.overallocRemaining == 0 {
				m.overallocRemaining = m.capacity - m.groupSize
			}
			if m.overallocRemaining == 0 {
				m.streamSubPhase = subPhaseDone
				m.state = StateWriteFileEnd
				continue
			}
			n := m.overallocRemaining
			if n > overallocChunk {
				n = overallocChunk
			}
			m.overallocRemaining -= n
			if m.overallocRemaining == 0 {
				m.streamSubPhase = subPhaseDone
				m.state = StateWriteFileEnd
			}
			return m.emitBytes(make([]byte, n))

		case subPhaseDone:
			m.finishGroupChannels()
			if m.cfg.Final {
				m.state = StateAssignVocab
			} else {
				m.state = StateSelect
			}
			return Result{}, false

		default:
			m.fail(corerr.NewInvalidStateError("merge.advanceBodyStream", "bad sub-phase"))
			return Result{}, false
		}
	}
}

// advanceInlineStream accumulates a final-merge inline placement's body
// into inlineBuf instead of emitting output (§4.1 step 4 "the postings
// are inlined into the B-tree leaf").
func (m *Machine) advanceInlineStream() (Result, bool) {
	for {
		switch m.streamSubPhase {
		case subPhaseHeader:
			m.streamSubPhase = subPhaseMemberFirst
			m.state = StateWriteVocabFirst

		case subPhaseMemberFirst:
			if m.streamMemberIdx >= len(m.group) {
				m.streamSubPhase = subPhaseDone
				m.state = StateWriteVocabEnd
				continue
			}
			gm := m.group[m.streamMemberIdx]
			m.inlineBuf = codec.PutUvarint(m.inlineBuf, gm.firstToken)
			m.streamSubPhase = subPhaseMemberBody
			m.state = StateWriteVocabBody

		case subPhaseMemberBody:
			gm := m.group[m.streamMemberIdx]
			if gm.ch.bodyRemaining == 0 {
				m.streamMemberIdx++
				m.streamSubPhase = subPhaseMemberFirst
				m.state = StateWriteVocabFirst
				continue
			}
			chunk := gm.ch.takeBodyChunk(len(gm.ch.pending))
			if len(chunk) == 0 {
				if gm.ch.eof {
					m.fail(corerr.NewCorruptError("merge.advanceInlineStream", "EOF mid posting body", nil))
					return Result{}, false
				}
				return Result{Kind: ResultNeedInput, Channel: gm.ch.idx, NextReadHint: int(gm.ch.bodyRemaining)}, true
			}
			m.inlineBuf = append(m.inlineBuf, chunk...)

		case subPhaseDone:
			m.finishGroupChannels()
			m.state = StateAssignVocab
			return Result{}, false

		default:
			m.fail(corerr.NewInvalidStateError("merge.advanceInlineStream", "bad sub-phase"))
			return Result{}, false
		}
	}
}

func (m *Machine) finishGroupChannels() {
	for _, gm := range m.group {
		m.pendingHeaders = append(m.pendingHeaders, gm.ch.idx)
		gm.ch.resetForNextRecord()
	}
	m.group = nil
}

// assignVocab inserts the merged term into the B-tree bulk-loader
// (§4.1 "emit an ASSIGN_VOCAB that inserts the term and its vocab
// vector"), final merge only.
func (m *Machine) assignVocab() (Result, bool) {
	vv := codec.VocabVector{
		Header: codec.Header{Docs: m.groupDocs, Occurs: m.groupOccurs, Last: m.groupLast, Size: m.groupSize},
	}
	if m.placement == placementInline {
		vv.Loc = codec.LocationInline
		vv.Inline = m.inlineBuf
	} else {
		vv.Loc = codec.LocationExtent
		vv.Fileno = m.extFileno
		vv.Offset = m.extOffset
		vv.Capacity = m.capacity
	}
	payload := codec.EncodeVocabVector(nil, &vv)

	page, off, flush, err := m.builder.Insert(m.term, len(payload))
	if err != nil {
		m.fail(err)
		return Result{}, false
	}
	copy(page[off:off+len(payload)], payload)
	m.distinctTerms++
	m.totalOccurs += m.groupOccurs

	if !flush {
		m.state = StateSelect
		return Result{}, false
	}
	m.state = StateWriteBtree
	m.btreePhase = 0
	return Result{}, false
}

// allocVocabPage reserves size bytes of vocab-file space, switching to a
// new vocab file whenever the current one would exceed MaxFilesize.
func (m *Machine) allocVocabPage(size int) (uint32, uint64) {
	if m.vocabOffset+uint64(size) > m.cfg.MaxFilesize {
		m.vocabFileno++
		m.vocabOffset = 0
	}
	fileno, offset := m.vocabFileno, m.vocabOffset
	m.vocabOffset += uint64(size)
	return fileno, offset
}

// advanceBtreeLeaf drives the completed-leaf handoff: emit the page,
// then (on re-entry) fold in the builder's Flushed bookkeeping and emit
// a sibling-pointer patch for the previous leaf if one is now known.
func (m *Machine) advanceBtreeLeaf() (Result, bool) {
	switch m.btreePhase {
	case 0:
		buf, err := m.builder.CompleteLeaf()
		if err != nil {
			m.fail(err)
			return Result{}, false
		}
		fileno, offset := m.allocVocabPage(len(buf))
		m.lastLeafRef = btree.PageRef{Fileno: fileno, Offset: offset}
		m.btreePhase = 1
		return Result{Kind: ResultOutputBtree, Buf: buf, Fileno: fileno, Offset: offset}, true
	case 1:
		prev, patchOffset, hasPrev, err := m.builder.Flushed(m.lastLeafRef)
		if err != nil {
			m.fail(err)
			return Result{}, false
		}
		if hasPrev {
			var buf [12]byte
			putU32(buf[0:4], m.lastLeafRef.Fileno)
			putU64(buf[4:12], m.lastLeafRef.Offset)
			m.btreePhase = 2
			return Result{Kind: ResultPatchSibling, Buf: buf[:], Fileno: prev.Fileno, Offset: prev.Offset + uint64(patchOffset)}, true
		}
		m.state = StateSelect
		return Result{}, false
	default:
		m.state = StateSelect
		return Result{}, false
	}
}

// finalizeFinal handles PREFINISH (§4.1): for the intermediate merge
// there is nothing further to do; for the final merge it flushes any
// partial leaf and builds the B-tree's routing levels, queuing every
// page it produces for the driver to persist. A final merge that saw no
// terms writes no B-tree pages and finishes with a zero root reference.
func (m *Machine) finalizeFinal() (Result, bool) {
	if !m.cfg.Final || m.distinctTerms == 0 {
		m.state = StateFinished
		return Result{}, false
	}

	persist := func(buf []byte) (btree.PageRef, error) {
		fileno, offset := m.allocVocabPage(len(buf))
		cp := append([]byte(nil), buf...)
		m.pendingFinalWrites = append(m.pendingFinalWrites, finalWrite{buf: cp, fileno: fileno, offset: offset})
		return btree.PageRef{Fileno: fileno, Offset: offset}, nil
	}
	patch := func(ref btree.PageRef, patchOffset int, sibling btree.PageRef) error {
		var buf [12]byte
		putU32(buf[0:4], sibling.Fileno)
		putU64(buf[4:12], sibling.Offset)
		m.pendingFinalPatches = append(m.pendingFinalPatches, finalPatch{buf: buf, fileno: ref.Fileno, offset: ref.Offset + uint64(patchOffset)})
		return nil
	}

	root, err := m.builder.Finalise(persist, patch)
	if err != nil {
		m.fail(err)
		return Result{}, false
	}
	m.rootRef = root
	m.state = StateFinished
	return Result{}, false
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
