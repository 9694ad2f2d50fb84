// Package index is the top-level façade that wires the postings
// accumulator, pyramid scheduler, document map, and freemap into one
// build/query/remove session over a directory of files managed by an
// fdpool.Pool, and reads/writes the params-file superblock that
// describes the result (§6).
package index

import (
	"io"
	"os"
	"path/filepath"

	"github.com/standardbeagle/corendex/internal/alloc"
	"github.com/standardbeagle/corendex/internal/codec"
	"github.com/standardbeagle/corendex/internal/config"
	"github.com/standardbeagle/corendex/internal/debug"
	"github.com/standardbeagle/corendex/internal/docmap"
	corerr "github.com/standardbeagle/corendex/internal/errors"
	"github.com/standardbeagle/corendex/internal/fdpool"
	"github.com/standardbeagle/corendex/internal/postings"
	"github.com/standardbeagle/corendex/internal/pyramid"
)

const superblockName = "params"

// Document is one unit of input: its source location, the terms parsed
// from it in order, and the metadata docmap records alongside it.
type Document struct {
	ReposID    uint32
	AuxID      string
	MimeType   string
	ByteOffset uint64
	ByteLength uint64
	Terms      []string
}

// Facade owns one build session rooted at a directory.
type Facade struct {
	dir     string
	cfg     config.Config
	pool    *fdpool.Pool
	acc     *postings.Accumulator
	pyr     *pyramid.Pyramid
	docs    *docmap.DocMap
	free    *alloc.Freemap
	repos   []codec.RepoEntry
	updates uint32
	sumLen  uint64
	sumWt   float64
	ndocs   uint64

	built bool
}

// Open creates (or re-opens, for Remove) a Facade over dir, using cfg's
// tunables to size every subordinate component.
func Open(dir string, cfg config.Config) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, corerr.NewIOError("index.Open", dir, err)
	}

	pool := fdpool.New(dir, cfg.Storage.FDPoolCapacity)
	strategy, err := cfg.Storage.Strategy()
	if err != nil {
		return nil, err
	}

	f := &Facade{
		dir:  dir,
		cfg:  cfg,
		pool: pool,
		acc: postings.New(postings.Config{
			TableSize:      cfg.Accumulator.TableSize,
			TrackPositions: true,
		}),
	}

	docs, err := docmap.New(docmap.Config{Pool: pool, RecordsPerPage: 4096})
	if err != nil {
		return nil, err
	}
	f.docs = docs

	pyr, err := pyramid.New(pyramid.Config{
		Pool:         pool,
		Width:        cfg.Pyramid.Width,
		BufferSize:   cfg.Pyramid.BufferSizeBytes,
		MaxFilesize:  cfg.Merge.MaxFilesizeBytes,
		VocabLsize:   cfg.Merge.VocabLsize,
		PageSize:     cfg.Merge.PageSize,
		OverallocNum: cfg.Merge.OverallocNum,
		OverallocDen: cfg.Merge.OverallocDen,
	})
	if err != nil {
		return nil, err
	}
	f.pyr = pyr

	f.free = alloc.New(alloc.Config{
		Strategy: strategy,
		NewFile: func(fileCount int) (uint32, uint64, error) {
			fileno := pyr.NextFileno()
			if _, err := pool.Create(fdpool.TypeVector, fileno); err != nil {
				return 0, 0, err
			}
			return fileno, cfg.Merge.MaxFilesizeBytes, nil
		},
	})

	debug.LogIndex("open: dir=%s strategy=%v\n", dir, strategy)
	return f, nil
}

// AddDocument parses doc into the accumulator and records its docmap
// entry, dumping a sorted run to the pyramid whenever the accumulator's
// resident size crosses the configured memory budget (§4.4 "dump
// threshold").
func (f *Facade) AddDocument(doc Document) (docno uint64, err error) {
	if f.built {
		return 0, corerr.NewInvalidStateError("index.AddDocument", "facade already finished")
	}

	docno = f.docs.Count()
	if err := f.acc.AddDoc(docno); err != nil {
		return 0, err
	}
	for wordno, term := range doc.Terms {
		if err := f.acc.AddWord(term, uint64(wordno)); err != nil {
			return 0, err
		}
	}
	weight, terms, distinct, err := f.acc.Update()
	if err != nil {
		return 0, err
	}

	if _, err := f.docs.Append(docmap.Record{
		ReposID: doc.ReposID, ByteOffset: doc.ByteOffset, ByteLength: doc.ByteLength,
		Terms: terms, Distinct: distinct,
		Weight: weight, AuxID: doc.AuxID, MimeType: doc.MimeType,
	}); err != nil {
		return 0, err
	}

	f.sumLen += terms
	f.sumWt += weight
	f.ndocs++
	f.updates++

	if f.acc.Stats().Memsize >= uint64(f.cfg.Accumulator.MemoryBudgetMB)<<20 {
		if err := f.dumpRun(); err != nil {
			return 0, err
		}
	}
	return docno, nil
}

// dumpRun flushes the accumulator to a fresh run file and registers it
// with the pyramid.
func (f *Facade) dumpRun() error {
	if f.acc.Stats().DistinctTerms == 0 {
		return nil
	}
	fileno := f.pyr.NextFileno()
	file, err := f.pool.Create(fdpool.TypeRun, fileno)
	if err != nil {
		return err
	}
	_, werr := f.acc.Dump(file)
	f.pool.Unpin(fdpool.TypeRun, fileno)
	if werr != nil {
		return werr
	}
	f.acc.Reset()
	debug.LogIndex("dumped run fileno=%d\n", fileno)
	return f.pyr.Add(fileno, 0, false)
}

// Document looks up a previously-added document's docmap record by
// docno, for the façade's eventual query path to resolve (§4.8).
func (f *Facade) Document(docno uint64) (docmap.Record, error) {
	return f.docs.Fetch(docno)
}

// DocCount reports how many documents have been added so far.
func (f *Facade) DocCount() uint64 { return f.docs.Count() }

// Repo registers one source repository path, to be written into the
// superblock's trailing repo-entry list.
func (f *Facade) Repo(reposID uint32, path string) {
	f.repos = append(f.repos, codec.RepoEntry{ReposID: reposID, Path: path})
}

// BuildResult summarizes what Finish produced.
type BuildResult struct {
	DistinctTerms uint64
	RootFileno    uint32
	RootOffset    uint64
}

// Finish flushes any residual in-memory postings, drives the pyramid's
// final merge, reclaims each output vector file's unused capacity tail
// into the freemap, and writes the params-file superblock (§6, §4.2
// "Final merge").
func (f *Facade) Finish() (BuildResult, error) {
	if f.built {
		return BuildResult{}, corerr.NewInvalidStateError("index.Finish", "already finished")
	}
	if f.acc.Stats().DistinctTerms > 0 {
		if err := f.dumpRun(); err != nil {
			return BuildResult{}, err
		}
	}

	result, err := f.pyr.Finish()
	if err != nil {
		return BuildResult{}, err
	}
	f.built = true

	for _, fn := range result.VectorFilenos {
		name := f.pool.Name(fdpool.TypeVector, fn)
		info, statErr := os.Stat(name)
		if statErr != nil {
			continue
		}
		used := uint64(info.Size())
		if used < f.cfg.Merge.MaxFilesizeBytes {
			_ = f.free.Free(alloc.Extent{Fileno: fn, Offset: used, Size: f.cfg.Merge.MaxFilesizeBytes - used})
		}
	}

	sb := f.buildSuperblock(result)
	if err := f.writeSuperblock(sb); err != nil {
		return BuildResult{}, err
	}

	debug.LogIndex("finish: distinct_terms=%d root=(%d,%d)\n", result.DistinctTerms, result.RootFileno, result.RootOffset)
	return BuildResult{DistinctTerms: result.DistinctTerms, RootFileno: result.RootFileno, RootOffset: result.RootOffset}, nil
}

// ReserveVectorSpace hands back an extent of at least size bytes in an
// existing vector file's reclaimed capacity tail, or grows a new vector
// file via the freemap's NewFile callback if none is free.
func (f *Facade) ReserveVectorSpace(size uint64) (alloc.Extent, error) {
	strategy, err := f.cfg.Storage.Strategy()
	if err != nil {
		return alloc.Extent{}, err
	}
	return f.free.Alloc(size, strategy, false, 0)
}

func (f *Facade) buildSuperblock(result pyramid.FinalResult) codec.Superblock {
	avgLen := 0.0
	avgWt := 0.0
	if f.ndocs > 0 {
		avgLen = float64(f.sumLen) / float64(f.ndocs)
		avgWt = f.sumWt / float64(f.ndocs)
	}
	cfgBlob, _ := config.Marshal(f.cfg)

	return codec.Superblock{
		PackageName: "corendex",
		Flags:       codec.FlagBuilt | codec.FlagSorted,
		Repos:       uint32(len(f.repos)),
		Vectors:     uint32(len(result.VectorFilenos)),
		Vocabs:      uint32(len(result.VocabFilenos)),
		ReposPos:    0,
		TermsHigh:   result.TotalOccursHigh,
		TermsLow:    result.TotalOccursLow,
		Updates:     f.updates,
		AvgWeight:   avgWt,
		AvgLength:   avgLen,
		AvgFT:       avgLen,
		Slope:       1.0,
		QuantBits:   8,
		WQtMin:      0,
		WQtMax:      1,
		RootFileno:  result.RootFileno,
		RootOffset:  uint32(result.RootOffset),
		Terms:       uint32(result.DistinctTerms),
		Storage: codec.StorageParams{
			PageSize:       uint32(f.cfg.Merge.PageSize),
			MaxFilesize:    uint32(f.cfg.Merge.MaxFilesizeBytes),
			VocabLsize:     uint32(f.cfg.Merge.VocabLsize),
			FileLsize:      uint32(f.cfg.Merge.MaxFilesizeBytes),
			MaxTermLen:     255,
			BtleafStrategy: uint32(mustStrategy(f.cfg)),
			BtnodeStrategy: uint32(mustStrategy(f.cfg)),
			BigEndian:      1,
		},
		Config:   cfgBlob,
		RepoList: append([]codec.RepoEntry(nil), f.repos...),
	}
}

func mustStrategy(cfg config.Config) alloc.Strategy {
	s, _ := cfg.Storage.Strategy()
	return s
}

func (f *Facade) writeSuperblock(sb codec.Superblock) error {
	buf := codec.EncodeSuperblock(nil, &sb)
	path := filepath.Join(f.dir, superblockName)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return corerr.NewIOError("index.writeSuperblock", path, err)
	}
	return nil
}

// Stats reads back the superblock just written and reports the
// round-trippable fields (§8 "build then Stats() returns values
// consistent with what was indexed").
func (f *Facade) Stats() (codec.Superblock, error) {
	path := filepath.Join(f.dir, superblockName)
	data, err := os.ReadFile(path)
	if err != nil {
		return codec.Superblock{}, corerr.NewIOError("index.Stats", path, err)
	}
	sb, err := codec.DecodeSuperblock(data)
	if err != nil {
		return codec.Superblock{}, corerr.NewCorruptError("index.Stats", "superblock decode", err)
	}
	return sb, nil
}

// Remove unlinks every file this facade created: the superblock, and
// every vector/vocab/run/docmap file still on disk. It is best-effort —
// it keeps going after an individual unlink failure and returns the
// first error encountered, matching §7's "offers an explicit rm that
// unlinks everything it created".
func (f *Facade) Remove() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := os.Remove(filepath.Join(f.dir, superblockName)); err != nil && !os.IsNotExist(err) {
		note(corerr.NewIOError("index.Remove", superblockName, err))
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		note(corerr.NewIOError("index.Remove", f.dir, err))
		return firstErr
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		note(os.Remove(filepath.Join(f.dir, e.Name())))
	}
	note(f.pool.Close())
	note(f.pyr.Close())
	return firstErr
}

// Close releases the fdpool's open handles without removing anything
// from disk.
func (f *Facade) Close() error {
	return f.pool.Close()
}

var _ io.Closer = (*Facade)(nil)
