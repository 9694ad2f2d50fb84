// Package fdpool caches open file descriptors keyed by (type, fileno),
// transparently closing the least-recently-used one whenever the live
// count would exceed a configured bound (§4.6).
package fdpool

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	corerr "github.com/standardbeagle/corendex/internal/errors"
)

// FileType distinguishes the families of files the core manages; it is
// part of the cache key and of the on-disk naming convention.
type FileType int

const (
	TypeRun FileType = iota
	TypeVector
	TypeVocab
	TypeSuperblock
	TypeDocmap
)

func (t FileType) String() string {
	switch t {
	case TypeRun:
		return "run"
	case TypeVector:
		return "vec"
	case TypeVocab:
		return "vocab"
	case TypeSuperblock:
		return "super"
	case TypeDocmap:
		return "docmap"
	default:
		return "unknown"
	}
}

type key struct {
	typ    FileType
	fileno uint32
}

// entry is the pool's view of one open file: the underlying handle, its
// pin count (pinned entries are never evicted), and its position in the
// LRU list (valid only while pins == 0).
type entry struct {
	f       *os.File
	pins    int
	lruElem *list.Element
}

// Pool is a bounded, thread-safe cache of open *os.File handles.
type Pool struct {
	mu       sync.Mutex
	dir      string
	capacity int

	open map[key]*entry
	lru  *list.List // of key, least-recently-used at the back

	hits, misses, evictions int64
}

// New creates a Pool rooted at dir whose open-file count is held to
// capacity by evicting idle handles; pinned handles are never evicted,
// so they can take the count above capacity.
func New(dir string, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 64
	}
	return &Pool{
		dir:      dir,
		capacity: capacity,
		open:     make(map[key]*entry),
		lru:      list.New(),
	}
}

// Name returns the on-disk path for (typ, fileno), following a flat
// "<type>-<fileno>.dat" convention under the pool's directory.
func (p *Pool) Name(typ FileType, fileno uint32) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%08x.dat", typ, fileno))
}

// Pin opens or reuses the fd for (typ, fileno), seeks to offset relative
// to whence (os.SEEK_SET/CUR/END), marks it in-use, and returns the
// handle. The caller must Unpin exactly once per successful Pin.
func (p *Pool) Pin(typ FileType, fileno uint32, offset int64, whence int) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{typ, fileno}
	e, ok := p.open[k]
	if !ok {
		f, err := os.OpenFile(p.Name(typ, fileno), os.O_RDWR, 0o644)
		if err != nil {
			atomic.AddInt64(&p.misses, 1)
			return nil, corerr.NewIOError("fdpool.Pin", p.Name(typ, fileno), err)
		}
		e = &entry{f: f}
		p.open[k] = e
		atomic.AddInt64(&p.misses, 1)
		p.evictIfOverCapacity()
	} else {
		atomic.AddInt64(&p.hits, 1)
		if e.lruElem != nil {
			p.lru.Remove(e.lruElem)
			e.lruElem = nil
		}
	}

	e.pins++
	if _, err := e.f.Seek(offset, whence); err != nil {
		e.pins--
		return nil, corerr.NewIOError("fdpool.Pin.Seek", p.Name(typ, fileno), err)
	}
	return e.f, nil
}

// Unpin releases a handle previously returned by Pin, making it eligible
// for LRU eviction once its pin count drops to zero.
func (p *Pool) Unpin(typ FileType, fileno uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{typ, fileno}
	e, ok := p.open[k]
	if !ok || e.pins == 0 {
		return
	}
	e.pins--
	if e.pins == 0 {
		e.lruElem = p.lru.PushFront(k)
		p.evictIfOverCapacity()
	}
}

// Create makes a new file for (typ, fileno), truncating any existing
// content, and returns it pinned.
func (p *Pool) Create(typ FileType, fileno uint32) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{typ, fileno}
	if old, ok := p.open[k]; ok {
		if old.lruElem != nil {
			p.lru.Remove(old.lruElem)
		}
		old.f.Close()
		delete(p.open, k)
	}

	name := p.Name(typ, fileno)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, corerr.NewIOError("fdpool.Create", name, err)
	}
	e := &entry{f: f, pins: 1}
	p.open[k] = e
	p.evictIfOverCapacity()
	return f, nil
}

// Unlink best-effort removes the backing file for (typ, fileno), closing
// and evicting any cached handle first.
func (p *Pool) Unlink(typ FileType, fileno uint32) error {
	p.mu.Lock()
	k := key{typ, fileno}
	if e, ok := p.open[k]; ok {
		if e.lruElem != nil {
			p.lru.Remove(e.lruElem)
		}
		e.f.Close()
		delete(p.open, k)
	}
	p.mu.Unlock()
	if err := os.Remove(p.Name(typ, fileno)); err != nil && !os.IsNotExist(err) {
		return corerr.NewIOError("fdpool.Unlink", p.Name(typ, fileno), err)
	}
	return nil
}

// evictIfOverCapacity evicts least-recently-used unpinned handles until
// the open count is within capacity. The capacity is a soft bound on
// idle handles: if every open handle is currently pinned there is
// nothing safe to close, and the pool is allowed to temporarily exceed
// it rather than fail a legitimate in-flight pin.
func (p *Pool) evictIfOverCapacity() {
	for len(p.open) > p.capacity {
		back := p.lru.Back()
		if back == nil {
			return
		}
		k := back.Value.(key)
		p.lru.Remove(back)
		e := p.open[k]
		e.f.Close()
		delete(p.open, k)
		atomic.AddInt64(&p.evictions, 1)
	}
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits, Misses, Evictions int64
	OpenCount               int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Hits:      atomic.LoadInt64(&p.hits),
		Misses:    atomic.LoadInt64(&p.misses),
		Evictions: atomic.LoadInt64(&p.evictions),
		OpenCount: len(p.open),
	}
}

// Close closes every handle the pool currently holds, regardless of pin
// state. Callers must ensure no other goroutine is using the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for k, e := range p.open {
		if err := e.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.open, k)
	}
	p.lru.Init()
	if len(errs) == 0 {
		return nil
	}
	return corerr.NewMultiError(errs)
}
