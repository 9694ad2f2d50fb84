// Package pyramid implements the run-file scheduler that keeps
// intermediate-merge fan-in bounded by collapsing groups of sorted runs as
// they accumulate, then performs the final merge over whatever remains
// (§4.2).
package pyramid

import (
	"io"

	"github.com/standardbeagle/corendex/internal/debug"
	corerr "github.com/standardbeagle/corendex/internal/errors"
	"github.com/standardbeagle/corendex/internal/fdpool"
	"github.com/standardbeagle/corendex/internal/merge"
)

// inputHeaderOverhead approximates the per-channel merge bookkeeping the
// buffer partition must reserve before splitting the remainder into
// per-input/output/big thirds (§4.2): one pending record header (term,
// docs, occurs, last, size, first, each up to 10 vbyte bytes) plus slack.
const inputHeaderOverhead = 64

// minInputBuffer is the floor below which the buffer partition refuses to
// proceed (§4.2 "below this, abort with ENOMEM").
const minInputBuffer = 100

// Entry is one managed run file (§4.2 "files[0..n]").
type Entry struct {
	Fileno  uint32
	Level   int
	Limited bool
}

// Config parameterizes a Pyramid.
type Config struct {
	Pool *fdpool.Pool

	// Width is the max sequential same-level, non-limited runs tolerated
	// before a partial merge is forced.
	Width int
	// BufferSize is the total working-buffer budget (B) the buffer
	// partition divides among per-input, output, and big buffers.
	BufferSize uint64

	MaxFilesize                uint64
	VocabLsize                 uint64
	PageSize                   int
	OverallocNum, OverallocDen uint64
}

// FinalResult is finish()'s output (§4.2 "Final merge"): the B-tree root
// coordinates, term statistics, and the files the facade must register in
// the params superblock.
type FinalResult struct {
	RootFileno      uint32
	RootOffset      uint64
	DistinctTerms   uint64
	TotalOccursHigh uint32
	TotalOccursLow  uint32
	VectorFilenos   []uint32
	VocabFilenos    []uint32
}

// Pyramid tracks the ordered set of run files and collapses them via
// partial and final merges.
type Pyramid struct {
	cfg        Config
	files      []Entry
	nextFileno uint32
	finished   bool
}

// New creates an empty Pyramid.
func New(cfg Config) (*Pyramid, error) {
	if cfg.Width <= 0 {
		return nil, corerr.NewInvalidStateError("pyramid.New", "width must be positive")
	}
	if cfg.Pool == nil {
		return nil, corerr.NewInvalidStateError("pyramid.New", "pool is required")
	}
	if cfg.MaxFilesize == 0 {
		return nil, corerr.NewInvalidStateError("pyramid.New", "max filesize must be positive")
	}
	return &Pyramid{cfg: cfg}, nil
}

// NextFileno allocates the next fileno from the pyramid's single
// monotonic counter, shared across run, vector, and vocab files so every
// file this component creates has a unique name.
func (p *Pyramid) NextFileno() uint32 {
	f := p.nextFileno
	p.nextFileno++
	return f
}

// Files returns a snapshot of the currently tracked run entries.
func (p *Pyramid) Files() []Entry { return append([]Entry(nil), p.files...) }

// Finished reports whether finish() has already sealed the pyramid.
func (p *Pyramid) Finished() bool { return p.finished }

// Add registers a freshly written sorted run (the output of a postings
// dump or, internally, of a partial merge) and runs the merge trigger
// loop until no further partial merge is warranted (§4.2 "add").
func (p *Pyramid) Add(fileno uint32, level int, limited bool) error {
	if p.finished {
		return corerr.NewInvalidStateError("pyramid.Add", "pyramid already finished")
	}
	p.files = append(p.files, Entry{Fileno: fileno, Level: level, Limited: limited})
	for {
		span, ok := p.scanTrigger()
		if !ok {
			return nil
		}
		debug.LogPyramid("merge trigger: files[%d:%d] (width=%d, n=%d)\n", span.start, span.end, p.cfg.Width, len(p.files))
		if err := p.mergeSlice(span.start, span.end); err != nil {
			return err
		}
	}
}

type triggerSpan struct{ start, end int }

// scanTrigger implements the two merge-trigger conditions (§4.2). Condition
// 1 is checked across the whole file list first; condition 2 only if
// condition 1 found nothing, since a width-triggered merge already frees
// up more total fan-in than un-sticking one stalled group.
func (p *Pyramid) scanTrigger() (triggerSpan, bool) {
	n := len(p.files)

	i := 0
	for i < n {
		if p.files[i].Limited {
			i++
			continue
		}
		j := i + 1
		for j < n && !p.files[j].Limited && p.files[j].Level == p.files[i].Level {
			j++
		}
		if j-i >= p.cfg.Width {
			return triggerSpan{i, j}, true
		}
		i = j
	}

	// Condition 2: a run of plain entries stalls forever in front of a
	// limited (split-continuation) entry, since new add()s only ever
	// append at the list's end, past the limited entry's terminating
	// sibling. Force-merge the stalled run as soon as it has more than
	// one member so it can eventually satisfy condition 1 instead.
	for k := 1; k < n; k++ {
		if !p.files[k].Limited {
			continue
		}
		i := k
		for i > 0 && !p.files[i-1].Limited {
			i--
		}
		if k-i > 1 {
			return triggerSpan{i, k}, true
		}
	}
	return triggerSpan{}, false
}

type bufferPlan struct {
	perInput, output, big uint64
}

// planBuffers implements the §4.2 buffer partition: reserve per-channel
// header overhead, then split the remainder into per-input/output/big
// thirds.
func (p *Pyramid) planBuffers(k int) (bufferPlan, error) {
	total := p.cfg.BufferSize
	meta := uint64(k) * inputHeaderOverhead
	if total <= meta {
		return bufferPlan{}, corerr.NewResourceError("pyramid.planBuffers", "ENOMEM", int64(total))
	}
	remainder := total - meta
	third := remainder / 3
	perInput := third / uint64(k)
	if perInput < minInputBuffer {
		return bufferPlan{}, corerr.NewResourceError("pyramid.planBuffers", "ENOMEM", int64(perInput))
	}
	return bufferPlan{perInput: perInput, output: third, big: third}, nil
}

func (p *Pyramid) createFile(typ fdpool.FileType, fileno uint32) error {
	_, err := p.cfg.Pool.Create(typ, fileno)
	return err
}

func (p *Pyramid) unpinAll(typ fdpool.FileType, filenos []uint32) {
	for _, fn := range filenos {
		p.cfg.Pool.Unpin(typ, fn)
	}
}

// readChannel services one ResultNeedInput by reading the next chunk from
// the input's pinned file and feeding it to the machine, or signaling EOF.
func (p *Pyramid) readChannel(m *merge.Machine, channel int, fileno uint32, readSize uint64) error {
	buf := make([]byte, readSize)
	f, err := p.cfg.Pool.Pin(fdpool.TypeRun, fileno, 0, io.SeekCurrent)
	if err != nil {
		return err
	}
	n, rerr := f.Read(buf)
	p.cfg.Pool.Unpin(fdpool.TypeRun, fileno)
	if n > 0 {
		m.Feed(channel, buf[:n])
	}
	if rerr == io.EOF || n == 0 {
		m.InputEOF(channel)
		return nil
	}
	if rerr != nil {
		return corerr.NewIOError("pyramid.readChannel", p.cfg.Pool.Name(fdpool.TypeRun, fileno), rerr)
	}
	return nil
}

// mergeSlice performs one partial (intermediate) merge over
// p.files[start:end] and splices the result back in (§4.2 "Partial
// merge").
func (p *Pyramid) mergeSlice(start, end int) error {
	sel := append([]Entry(nil), p.files[start:end]...)
	k := len(sel)

	plan, err := p.planBuffers(k)
	if err != nil {
		return err
	}

	m, err := merge.New(merge.Config{Final: false, K: k, MaxFilesize: p.cfg.MaxFilesize})
	if err != nil {
		return err
	}

	for i, e := range sel {
		if _, perr := p.cfg.Pool.Pin(fdpool.TypeRun, e.Fileno, 0, io.SeekStart); perr != nil {
			for _, done := range sel[:i] {
				p.cfg.Pool.Unpin(fdpool.TypeRun, done.Fileno)
			}
			return perr
		}
	}

	var outFilenos []uint32
	curOutFileno := p.NextFileno()
	if err := p.createFile(fdpool.TypeRun, curOutFileno); err != nil {
		p.unpinInputs(sel)
		return err
	}
	outFilenos = append(outFilenos, curOutFileno)

	fail := func(ferr error) error {
		p.unpinInputs(sel)
		for _, fn := range outFilenos {
			p.cfg.Pool.Unpin(fdpool.TypeRun, fn)
			p.cfg.Pool.Unlink(fdpool.TypeRun, fn)
		}
		return ferr
	}

	for {
		res := m.Step()
		switch res.Kind {
		case merge.ResultOK:
			goto done
		case merge.ResultNeedInput:
			readSize := plan.perInput
			if uint64(res.NextReadHint) > readSize {
				readSize = plan.big
			}
			if err := p.readChannel(m, res.Channel, sel[res.Channel].Fileno, readSize); err != nil {
				return fail(err)
			}
		case merge.ResultOutputVectors:
			f, perr := p.cfg.Pool.Pin(fdpool.TypeRun, curOutFileno, 0, io.SeekCurrent)
			if perr != nil {
				return fail(perr)
			}
			_, werr := f.WriteAt(res.Buf, int64(res.Offset))
			p.cfg.Pool.Unpin(fdpool.TypeRun, curOutFileno)
			if werr != nil {
				return fail(corerr.NewIOError("pyramid.mergeSlice", p.cfg.Pool.Name(fdpool.TypeRun, curOutFileno), werr))
			}
		case merge.ResultNeedOutputFile:
			curOutFileno = p.NextFileno()
			if err := p.createFile(fdpool.TypeRun, curOutFileno); err != nil {
				return fail(err)
			}
			outFilenos = append(outFilenos, curOutFileno)
			if err := m.ProvideOutputFile(curOutFileno); err != nil {
				return fail(err)
			}
		case merge.ResultErr:
			return fail(res.Err)
		}
	}
done:

	p.unpinInputs(sel)
	for _, e := range sel {
		if err := p.cfg.Pool.Unlink(fdpool.TypeRun, e.Fileno); err != nil {
			return err
		}
	}
	p.unpinAll(fdpool.TypeRun, outFilenos)

	maxLevel := sel[0].Level
	for _, e := range sel[1:] {
		if e.Level > maxLevel {
			maxLevel = e.Level
		}
	}
	newLevel := maxLevel + 1

	replacement := make([]Entry, len(outFilenos))
	for i, fn := range outFilenos {
		replacement[i] = Entry{Fileno: fn, Level: newLevel, Limited: i != len(outFilenos)-1}
	}

	rest := append([]Entry(nil), p.files[end:]...)
	p.files = append(p.files[:start:start], replacement...)
	p.files = append(p.files, rest...)
	debug.LogPyramid("partial merge done: %d inputs -> %d output run(s) at level=%d\n", k, len(outFilenos), newLevel)
	return nil
}

func (p *Pyramid) unpinInputs(sel []Entry) {
	for _, e := range sel {
		p.cfg.Pool.Unpin(fdpool.TypeRun, e.Fileno)
	}
}

// Finish performs the final merge over every remaining run, producing
// vector files and a vocabulary B-tree, and seals the pyramid (§4.2
// "Final merge"). A pyramid with no runs at all still produces a
// (empty) final structure, matching the empty-build boundary case.
func (p *Pyramid) Finish() (FinalResult, error) {
	if p.finished {
		return FinalResult{}, corerr.NewInvalidStateError("pyramid.Finish", "pyramid already finished")
	}

	sel := append([]Entry(nil), p.files...)
	k := len(sel)
	phantom := false
	if k == 0 {
		k = 1
		phantom = true
	}
	debug.LogPyramid("final merge trigger: %d runs (phantom=%v)\n", len(sel), phantom)

	plan, err := p.planBuffers(k)
	if err != nil {
		return FinalResult{}, err
	}

	vecStart := p.NextFileno()
	if err := p.createFile(fdpool.TypeVector, vecStart); err != nil {
		return FinalResult{}, err
	}
	vectorFilenos := []uint32{vecStart}

	vocabStart := p.NextFileno()

	m, err := merge.New(merge.Config{
		Final:            true,
		K:                k,
		MaxFilesize:      p.cfg.MaxFilesize,
		VocabLsize:       p.cfg.VocabLsize,
		PageSize:         p.cfg.PageSize,
		OverallocNum:     p.cfg.OverallocNum,
		OverallocDen:     p.cfg.OverallocDen,
		StartFileno:      vecStart,
		VocabStartFileno: vocabStart,
	})
	if err != nil {
		p.cfg.Pool.Unpin(fdpool.TypeVector, vecStart)
		p.cfg.Pool.Unlink(fdpool.TypeVector, vecStart)
		return FinalResult{}, err
	}

	if !phantom {
		for _, e := range sel {
			if _, perr := p.cfg.Pool.Pin(fdpool.TypeRun, e.Fileno, 0, io.SeekStart); perr != nil {
				p.unpinInputs(sel)
				p.cfg.Pool.Unpin(fdpool.TypeVector, vecStart)
				p.cfg.Pool.Unlink(fdpool.TypeVector, vecStart)
				return FinalResult{}, perr
			}
		}
	} else {
		m.InputEOF(0)
	}

	vocabOpen := map[uint32]bool{}
	var vocabFilenos []uint32
	ensureVocabFile := func(fileno uint32) error {
		if vocabOpen[fileno] {
			return nil
		}
		if err := p.createFile(fdpool.TypeVocab, fileno); err != nil {
			return err
		}
		vocabOpen[fileno] = true
		vocabFilenos = append(vocabFilenos, fileno)
		return nil
	}

	fail := func(ferr error) error {
		if !phantom {
			p.unpinInputs(sel)
		}
		p.unpinAll(fdpool.TypeVector, vectorFilenos)
		for _, fn := range vectorFilenos {
			p.cfg.Pool.Unlink(fdpool.TypeVector, fn)
		}
		for fn := range vocabOpen {
			p.cfg.Pool.Unpin(fdpool.TypeVocab, fn)
			p.cfg.Pool.Unlink(fdpool.TypeVocab, fn)
		}
		return ferr
	}

	for {
		res := m.Step()
		switch res.Kind {
		case merge.ResultOK:
			goto done
		case merge.ResultNeedInput:
			if phantom {
				m.InputEOF(res.Channel)
				continue
			}
			readSize := plan.perInput
			if uint64(res.NextReadHint) > readSize {
				readSize = plan.big
			}
			if err := p.readChannel(m, res.Channel, sel[res.Channel].Fileno, readSize); err != nil {
				return FinalResult{}, fail(err)
			}
		case merge.ResultOutputVectors:
			curVecFileno := vectorFilenos[len(vectorFilenos)-1]
			f, perr := p.cfg.Pool.Pin(fdpool.TypeVector, curVecFileno, 0, io.SeekCurrent)
			if perr != nil {
				return FinalResult{}, fail(perr)
			}
			_, werr := f.WriteAt(res.Buf, int64(res.Offset))
			p.cfg.Pool.Unpin(fdpool.TypeVector, curVecFileno)
			if werr != nil {
				return FinalResult{}, fail(corerr.NewIOError("pyramid.Finish", p.cfg.Pool.Name(fdpool.TypeVector, curVecFileno), werr))
			}
		case merge.ResultOutputBtree, merge.ResultPatchSibling:
			if err := ensureVocabFile(res.Fileno); err != nil {
				return FinalResult{}, fail(err)
			}
			f, perr := p.cfg.Pool.Pin(fdpool.TypeVocab, res.Fileno, 0, io.SeekCurrent)
			if perr != nil {
				return FinalResult{}, fail(perr)
			}
			_, werr := f.WriteAt(res.Buf, int64(res.Offset))
			p.cfg.Pool.Unpin(fdpool.TypeVocab, res.Fileno)
			if werr != nil {
				return FinalResult{}, fail(corerr.NewIOError("pyramid.Finish", p.cfg.Pool.Name(fdpool.TypeVocab, res.Fileno), werr))
			}
		case merge.ResultNeedOutputFile:
			nextFileno := p.NextFileno()
			if err := p.createFile(fdpool.TypeVector, nextFileno); err != nil {
				return FinalResult{}, fail(err)
			}
			vectorFilenos = append(vectorFilenos, nextFileno)
			if err := m.ProvideOutputFile(nextFileno); err != nil {
				return FinalResult{}, fail(err)
			}
		case merge.ResultErr:
			return FinalResult{}, fail(res.Err)
		}
	}
done:

	if !phantom {
		p.unpinInputs(sel)
		for _, e := range sel {
			if err := p.cfg.Pool.Unlink(fdpool.TypeRun, e.Fileno); err != nil {
				return FinalResult{}, err
			}
		}
	}
	p.unpinAll(fdpool.TypeVector, vectorFilenos)
	for fn := range vocabOpen {
		p.cfg.Pool.Unpin(fdpool.TypeVocab, fn)
	}

	stats := m.Stats()
	p.files = nil
	p.finished = true

	return FinalResult{
		RootFileno:      stats.RootFileno,
		RootOffset:      stats.RootOffset,
		DistinctTerms:   stats.DistinctTerms,
		TotalOccursHigh: stats.TotalOccursHigh,
		TotalOccursLow:  stats.TotalOccursLow,
		VectorFilenos:   vectorFilenos,
		VocabFilenos:    vocabFilenos,
	}, nil
}

// Close best-effort unlinks every still-tracked run file (§4.2 "Temp
// files are unlinked on pyramid destruction").
func (p *Pyramid) Close() error {
	var errs []error
	for _, e := range p.files {
		if err := p.cfg.Pool.Unlink(fdpool.TypeRun, e.Fileno); err != nil {
			errs = append(errs, err)
		}
	}
	p.files = nil
	if len(errs) == 0 {
		return nil
	}
	return corerr.NewMultiError(errs)
}
