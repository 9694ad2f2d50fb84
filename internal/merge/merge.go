// Package merge implements the core's resumable k-way merge of sorted
// posting-list runs (§4.1). One Machine drives both variants named by the
// spec: with final == false it shrinks fan-in by writing another
// intermediate run (§4.1 "Intermediate merge differs only at step 4");
// with final == true it emits packed vector-file postings plus a
// bulk-loaded vocabulary B-tree (§4.5) via a *btree.Builder it creates.
//
// The machine never performs I/O. The driver feeds it bytes for each
// input channel via Feed/InputEOF and drives it with repeated Step calls
// until Step reports ResultOK; at every suspension point (NeedInput,
// OutputVectors, OutputBtree, NeedOutputFile) the machine's state is
// fully captured in the Machine value, so a re-entrant Step after the
// driver satisfies the request continues without loss, even mid
// variable-byte integer, mid term string, or mid posting body.
package merge

import "fmt"

// BigThreshold is the large-transfer threshold named in §4.1: above this
// many bytes, the machine emits one large chunk per Step call instead of
// many small ones (tuned in the spec against a 2 GiB/s memory-bandwidth,
// 10 ms write-latency break-even).
const BigThreshold = 20 << 20 // 20 MiB

// overallocChunk bounds how much zero-padding a single WriteFileOverAlloc
// step emits, so a large capacity overallocation doesn't require
// materializing the whole padding in one allocation.
const overallocChunk = 64 << 10 // 64 KiB

// State is the observable state enum named in §4.1. It is exposed purely
// for diagnostics (debug logging, tests asserting resumability); callers
// never need to branch on it themselves.
type State int

const (
	StateStart State = iota
	StateReadTermLen
	StateReadTerm
	StateReadDocs
	StateReadOccurs
	StateReadLast
	StateReadSize
	StateReadFirst
	StateSelect
	StatePrefinish
	StateAssignVocab
	StateWriteVocabFirst
	StateWriteVocabBody
	StateWriteVocabEnd
	StateWriteFileFirst
	StateWriteFileBody
	StateWriteFileOverAlloc
	StateWriteFileEnd
	StateWriteBtree
	StateFlushNewFile
	StateFlushSwitch
	StateFinished
	StateErr
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateReadTermLen:
		return "READ_TERMLEN"
	case StateReadTerm:
		return "READ_TERM"
	case StateReadDocs:
		return "READ_DOCS"
	case StateReadOccurs:
		return "READ_OCCURS"
	case StateReadLast:
		return "READ_LAST"
	case StateReadSize:
		return "READ_SIZE"
	case StateReadFirst:
		return "READ_FIRST"
	case StateSelect:
		return "SELECT"
	case StatePrefinish:
		return "PREFINISH"
	case StateAssignVocab:
		return "ASSIGN_VOCAB"
	case StateWriteVocabFirst:
		return "WRITE_VOCAB_FIRST"
	case StateWriteVocabBody:
		return "WRITE_VOCAB_BODY"
	case StateWriteVocabEnd:
		return "WRITE_VOCAB_END"
	case StateWriteFileFirst:
		return "WRITE_FILE_FIRST"
	case StateWriteFileBody:
		return "WRITE_FILE_BODY"
	case StateWriteFileOverAlloc:
		return "WRITE_FILE_OVERALLOC"
	case StateWriteFileEnd:
		return "WRITE_FILE_END"
	case StateWriteBtree:
		return "WRITE_BTREE"
	case StateFlushNewFile:
		return "FLUSH_NEWFILE"
	case StateFlushSwitch:
		return "FLUSH_SWITCH"
	case StateFinished:
		return "FINISHED"
	case StateErr:
		return "ERR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ResultKind tags the variant of a Step return (§4.1 "public contract").
type ResultKind int

const (
	// ResultOK reports the merge is complete.
	ResultOK ResultKind = iota
	// ResultNeedInput asks the driver to Feed more bytes to Channel, or
	// call InputEOF if there are none left.
	ResultNeedInput
	// ResultOutputVectors asks the driver to persist Buf at
	// (Fileno, Offset) in a vector file (final) or the current
	// intermediate-run output file (intermediate).
	ResultOutputVectors
	// ResultOutputBtree asks the driver to persist Buf, a completed
	// B-tree page, at (Fileno, Offset). Final merge only.
	ResultOutputBtree
	// ResultPatchSibling asks the driver to overwrite the 12-byte sibling
	// pointer at (Fileno, Offset) with Buf, an already-encoded
	// (fileno, offset) pair, on an already-persisted B-tree leaf. Final
	// merge only.
	ResultPatchSibling
	// ResultNeedOutputFile asks the driver to open/create the next
	// output file and report its fileno via ProvideOutputFile before
	// Step is called again. Reason distinguishes why: "newfile" (an
	// intermediate run exceeded filesize) or "switch" (a final-merge
	// vector-file extent would exceed max_filesize).
	ResultNeedOutputFile
	// ResultErr reports an unrecoverable error (§4.1 "Failure
	// semantics"); the driver must discard any output already written
	// and may not resume this Machine.
	ResultErr
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "OK"
	case ResultNeedInput:
		return "NEED_INPUT"
	case ResultOutputVectors:
		return "OUTPUT_VECTORS"
	case ResultOutputBtree:
		return "OUTPUT_BTREE"
	case ResultPatchSibling:
		return "PATCH_SIBLING"
	case ResultNeedOutputFile:
		return "NEED_OUTPUT_FILE"
	case ResultErr:
		return "ERR"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is Step's single return type; callers switch on Kind.
type Result struct {
	Kind ResultKind

	Channel      int // ResultNeedInput
	NextReadHint int // ResultNeedInput: suggested read size

	Buf    []byte // ResultOutputVectors / ResultOutputBtree
	Fileno uint32
	Offset uint64

	Reason string // ResultNeedOutputFile: "newfile" or "switch"

	Err error // ResultErr
}
