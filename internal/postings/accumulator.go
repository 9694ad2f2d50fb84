// Package postings implements the in-memory (term → posting list)
// accumulator that collects postings while documents are parsed, before
// they are dumped as a sorted run for the merge machine to consume
// (§4.4).
package postings

import (
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/corendex/internal/codec"
	"github.com/standardbeagle/corendex/internal/debug"
	corerr "github.com/standardbeagle/corendex/internal/errors"
)

// posting is one document's contribution to a term's list, in the order
// accumulated — ascending docno, since §5 guarantees docnos are assigned
// monotonically across add_doc calls.
type posting struct {
	docno     uint64
	freq      uint64
	positions []uint64
}

// entry is one hash-bucket slot: a term and its accumulated postings,
// chained to the next entry in the same bucket.
type entry struct {
	term     string
	postings []posting
	next     *entry
}

// sizeOf estimates an entry's resident footprint for Stats().memsize: the
// term string, one posting struct's fixed fields per posting, and any
// tracked positions.
func (e *entry) sizeOf() uint64 {
	n := uint64(len(e.term)) + 32
	for _, p := range e.postings {
		n += 24 + 8*uint64(len(p.positions))
	}
	return n
}

// Config parameterizes an Accumulator.
type Config struct {
	// TableSize is the fixed bucket count for the term hash table (§6
	// tunable "tablesize"); chaining absorbs collisions and growth.
	TableSize int
	// TrackPositions, when true, records within-document word positions
	// so posting bodies carry position vectors (§4.7); otherwise only
	// per-document frequency is tracked.
	TrackPositions bool
	Stemmer        Stemmer
	Stoplist       Stoplist
}

// Accumulator collects postings across a sequence of documents, driven by
// AddDoc/AddWord/Update, until Dump flushes everything as one sorted run.
type Accumulator struct {
	cfg     Config
	buckets []*entry

	distinctTerms uint64
	memsize       uint64
	postingsSize  uint64

	docActive bool
	curDocno  uint64
	curTerms  map[string]*posting
	curOrder  []string // insertion order, so update() is deterministic
}

// New creates an Accumulator with the given configuration.
func New(cfg Config) *Accumulator {
	if cfg.TableSize <= 0 {
		cfg.TableSize = 65536
	}
	return &Accumulator{
		cfg:     cfg,
		buckets: make([]*entry, cfg.TableSize),
	}
}

func (a *Accumulator) bucketFor(term string) int {
	return int(xxhash.Sum64String(term) % uint64(len(a.buckets)))
}

// AddDoc begins accumulating a new document's terms (§4.4 "caller drives
// by add_doc(docno), then one or more add_word...").
func (a *Accumulator) AddDoc(docno uint64) error {
	if a.docActive {
		return corerr.NewInvalidStateError("postings.AddDoc", "Update not called for the previous document")
	}
	a.docActive = true
	a.curDocno = docno
	a.curTerms = make(map[string]*posting)
	a.curOrder = a.curOrder[:0]
	return nil
}

// AddWord records one occurrence of term at wordno within the current
// document, applying the configured stemmer and stoplist.
func (a *Accumulator) AddWord(term string, wordno uint64) error {
	if !a.docActive {
		return corerr.NewInvalidStateError("postings.AddWord", "AddDoc not called")
	}
	if a.cfg.Stemmer != nil {
		term = a.cfg.Stemmer.Stem(term)
	}
	if term == "" {
		return nil
	}
	if a.cfg.Stoplist != nil && a.cfg.Stoplist.Reject(term) {
		return nil
	}

	p, ok := a.curTerms[term]
	if !ok {
		p = &posting{docno: a.curDocno}
		a.curTerms[term] = p
		a.curOrder = append(a.curOrder, term)
	}
	p.freq++
	if a.cfg.TrackPositions {
		p.positions = append(p.positions, wordno)
	}
	return nil
}

// Update folds the in-flight document into the global table and returns
// its stats: weight (document length, used by the caller as the ranking
// weight — the ranking formula itself is out of scope), total term
// occurrences, and distinct term count.
func (a *Accumulator) Update() (weight float64, terms uint64, distinct uint64, err error) {
	if !a.docActive {
		return 0, 0, 0, corerr.NewInvalidStateError("postings.Update", "AddDoc not called")
	}

	for _, term := range a.curOrder {
		p := a.curTerms[term]
		terms += p.freq
		b := a.bucketFor(term)
		e := a.buckets[b]
		for e != nil && e.term != term {
			e = e.next
		}
		if e == nil {
			e = &entry{term: term, next: a.buckets[b]}
			a.buckets[b] = e
			a.distinctTerms++
		} else {
			a.memsize -= e.sizeOf()
			a.postingsSize -= postingsBodySize(e.postings)
		}
		e.postings = append(e.postings, *p)
		a.memsize += e.sizeOf()
		a.postingsSize += postingsBodySize(e.postings)
	}

	distinct = uint64(len(a.curOrder))
	weight = float64(terms)

	a.docActive = false
	a.curTerms = nil
	a.curOrder = nil
	return weight, terms, distinct, nil
}

// postingsBodySize computes the encoded posting-body byte length for a
// term's postings exactly as Dump will write it (§4.7), so Stats can
// report an accurate postings_size without re-encoding everything.
func postingsBodySize(postings []posting) uint64 {
	var size uint64
	var prevDocno uint64
	for i, p := range postings {
		if i > 0 {
			size += uint64(codec.SizeUvarint(p.docno - prevDocno - 1))
		}
		size += uint64(codec.SizeUvarint(p.freq))
		var prevPos uint64
		for j, pos := range p.positions {
			if j == 0 {
				size += uint64(codec.SizeUvarint(pos))
			} else {
				size += uint64(codec.SizeUvarint(pos - prevPos))
			}
			prevPos = pos
		}
		prevDocno = p.docno
	}
	return size
}

// Stats reports the accumulator's current footprint (§4.4 "so the driver
// can decide when memory pressure warrants a dump").
type Stats struct {
	DistinctTerms uint64
	Memsize       uint64
	PostingsSize  uint64
}

func (a *Accumulator) Stats() Stats {
	return Stats{DistinctTerms: a.distinctTerms, Memsize: a.memsize, PostingsSize: a.postingsSize}
}

// Dump writes every accumulated term as one sorted run (§4.4, §6
// "Intermediate run"): bytewise lexicographic on term, ascending on first
// docno (already the accumulation order within one term, since docnos are
// monotonically assigned). It always consumes the accumulator, ending
// with a Reset, so the same Accumulator is ready for the next documents;
// Reset on its own discards the accumulated terms without writing them.
func (a *Accumulator) Dump(w io.Writer) (bytesWritten uint64, err error) {
	if a.docActive {
		return 0, corerr.NewInvalidStateError("postings.Dump", "Update not called for the in-flight document")
	}
	debug.LogPostings("dump: %d distinct terms, %d bytes resident\n", a.distinctTerms, a.memsize)

	terms := make([]*entry, 0, a.distinctTerms)
	for _, head := range a.buckets {
		for e := head; e != nil; e = e.next {
			terms = append(terms, e)
		}
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].term < terms[j].term })

	var buf []byte
	for _, e := range terms {
		rec := codec.RunRecord{
			Term:   e.term,
			Docs:   uint64(len(e.postings)),
			First:  e.postings[0].docno,
			Last:   e.postings[len(e.postings)-1].docno,
			Body:   encodePostings(e.postings),
		}
		for _, p := range e.postings {
			rec.Occurs += p.freq
		}
		rec.Size = uint64(len(rec.Body))
		buf = codec.EncodeRunRecord(buf[:0], &rec)
		n, werr := w.Write(buf)
		bytesWritten += uint64(n)
		if werr != nil {
			return bytesWritten, corerr.NewIOError("postings.Dump", "", werr)
		}
	}

	a.Reset()
	debug.LogPostings("dump: wrote %d bytes\n", bytesWritten)
	return bytesWritten, nil
}

func encodePostings(postings []posting) []byte {
	docs := make([]codec.PostingDoc, len(postings))
	for i, p := range postings {
		docs[i] = codec.PostingDoc{Docno: p.docno, Freq: p.freq, Positions: p.positions}
	}
	return codec.EncodePostingBody(nil, docs)
}

// Reset discards every accumulated term without writing anything, so the
// Accumulator can be reused for the next build segment.
func (a *Accumulator) Reset() {
	for i := range a.buckets {
		a.buckets[i] = nil
	}
	a.distinctTerms = 0
	a.memsize = 0
	a.postingsSize = 0
}
