// Package docmap implements the persistent, dense-docno-keyed document
// record array (§4.8): append, fetch, and running statistics aggregation
// over fixed-stride pages so lookup never needs an in-memory index.
package docmap

import (
	"encoding/binary"
	"io"
	"math"

	corerr "github.com/standardbeagle/corendex/internal/errors"
	"github.com/standardbeagle/corendex/internal/fdpool"
)

// auxIDLen and mimeTypeLen fix the width of the two string fields so every
// record has identical on-disk size, which is what makes fileno/offset
// arithmetic from a docno alone possible without any index structure.
const (
	auxIDLen    = 32
	mimeTypeLen = 16

	// recordSize: repos_id(4) + byte_offset(8) + byte_length(8) + flags(1)
	// + pad(3) + terms(8) + distinct(8) + weight(8) + aux_id(32) + mime(16).
	recordSize = 4 + 8 + 8 + 1 + 3 + 8 + 8 + 8 + auxIDLen + mimeTypeLen
)

// flag bits within Record.Flags (§4.8 "flags(compressed?)").
const (
	FlagCompressed uint8 = 1 << 0
)

// Record is one document's entry: where its source bytes live, how many
// terms/distinct terms it contributed, its ranking weight, and identifying
// metadata.
type Record struct {
	ReposID    uint32
	ByteOffset uint64
	ByteLength uint64
	Compressed bool
	Terms      uint64
	Distinct   uint64
	Weight     float64
	AuxID      string
	MimeType   string
}

func encodeRecord(r Record) [recordSize]byte {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.ReposID)
	binary.LittleEndian.PutUint64(buf[4:12], r.ByteOffset)
	binary.LittleEndian.PutUint64(buf[12:20], r.ByteLength)
	if r.Compressed {
		buf[20] = FlagCompressed
	}
	binary.LittleEndian.PutUint64(buf[24:32], r.Terms)
	binary.LittleEndian.PutUint64(buf[32:40], r.Distinct)
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(r.Weight))
	_ = copy(buf[48:48+auxIDLen], r.AuxID)
	_ = copy(buf[48+auxIDLen:48+auxIDLen+mimeTypeLen], r.MimeType)
	return buf
}

func decodeRecord(buf []byte) Record {
	r := Record{
		ReposID:    binary.LittleEndian.Uint32(buf[0:4]),
		ByteOffset: binary.LittleEndian.Uint64(buf[4:12]),
		ByteLength: binary.LittleEndian.Uint64(buf[12:20]),
		Compressed: buf[20]&FlagCompressed != 0,
		Terms:      binary.LittleEndian.Uint64(buf[24:32]),
		Distinct:   binary.LittleEndian.Uint64(buf[32:40]),
		Weight:     math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48])),
		AuxID:      trimZero(buf[48 : 48+auxIDLen]),
		MimeType:   trimZero(buf[48+auxIDLen : 48+auxIDLen+mimeTypeLen]),
	}
	return r
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Config parameterizes a DocMap.
type Config struct {
	Pool *fdpool.Pool
	// RecordsPerPage bounds how many fixed-size records live in one
	// backing page file (§4.8 "sequence of fixed-stride pages").
	RecordsPerPage int
}

// DocMap is the append-only, dense-docno-indexed document record store.
type DocMap struct {
	cfg Config

	count      uint64
	sumBytes   uint64
	sumWeight  float64
	sumTerms   uint64
	openPages  map[uint32]bool
}

// New creates an empty DocMap.
func New(cfg Config) (*DocMap, error) {
	if cfg.Pool == nil {
		return nil, corerr.NewInvalidStateError("docmap.New", "pool is required")
	}
	if cfg.RecordsPerPage <= 0 {
		cfg.RecordsPerPage = 4096
	}
	return &DocMap{cfg: cfg, openPages: make(map[uint32]bool)}, nil
}

func (d *DocMap) pageFor(docno uint64) (fileno uint32, offset int64) {
	n := uint64(d.cfg.RecordsPerPage)
	return uint32(docno / n), int64(docno%n) * recordSize
}

// Append assigns the next dense docno to rec, persists it, and folds it
// into the running statistics.
func (d *DocMap) Append(rec Record) (docno uint64, err error) {
	docno = d.count
	fileno, offset := d.pageFor(docno)

	if !d.openPages[fileno] {
		if _, err := d.cfg.Pool.Create(fdpool.TypeDocmap, fileno); err != nil {
			return 0, err
		}
		d.openPages[fileno] = true
	}

	f, err := d.cfg.Pool.Pin(fdpool.TypeDocmap, fileno, 0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	buf := encodeRecord(rec)
	_, werr := f.WriteAt(buf[:], offset)
	d.cfg.Pool.Unpin(fdpool.TypeDocmap, fileno)
	if werr != nil {
		return 0, corerr.NewIOError("docmap.Append", d.cfg.Pool.Name(fdpool.TypeDocmap, fileno), werr)
	}

	d.count++
	d.sumBytes += rec.ByteLength
	d.sumWeight += rec.Weight
	d.sumTerms += rec.Terms
	return docno, nil
}

// Fetch reads back the record for docno.
func (d *DocMap) Fetch(docno uint64) (Record, error) {
	if docno >= d.count {
		return Record{}, corerr.NewNotFoundError("docmap.Fetch", "docno out of range")
	}
	fileno, offset := d.pageFor(docno)
	f, err := d.cfg.Pool.Pin(fdpool.TypeDocmap, fileno, 0, io.SeekCurrent)
	if err != nil {
		return Record{}, err
	}
	var buf [recordSize]byte
	_, rerr := f.ReadAt(buf[:], offset)
	d.cfg.Pool.Unpin(fdpool.TypeDocmap, fileno)
	if rerr != nil {
		return Record{}, corerr.NewIOError("docmap.Fetch", d.cfg.Pool.Name(fdpool.TypeDocmap, fileno), rerr)
	}
	return decodeRecord(buf[:]), nil
}

// Count reports how many documents have been appended.
func (d *DocMap) Count() uint64 { return d.count }

// Stats reports the aggregate statistics named in §4.8.
type Stats struct {
	Count     uint64
	AvgBytes  float64
	AvgWeight float64
	AvgTerms  float64
}

func (d *DocMap) Stats() Stats {
	if d.count == 0 {
		return Stats{}
	}
	n := float64(d.count)
	return Stats{
		Count:     d.count,
		AvgBytes:  float64(d.sumBytes) / n,
		AvgWeight: d.sumWeight / n,
		AvgTerms:  float64(d.sumTerms) / n,
	}
}
