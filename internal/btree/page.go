// Package btree bulk-loads a height-balanced B-tree from a stream of
// keys delivered in ascending order, producing dense leaves with
// sibling-linked pages and routing nodes above them (§4.5). It never
// performs I/O: callers persist the pages it hands back and report their
// final (fileno, offset) coordinates.
package btree

import "fmt"

// PageRef names a page's final resting place.
type PageRef struct {
	Fileno uint32
	Offset uint64
}

// maxPrefixLen bounds the shared-prefix optimization: a prefix longer
// than 127 bytes can't fit the single length-prefixed byte the page tail
// reserves for it (§4.5 "A prefix ≤ 127 bytes").
const maxPrefixLen = 127

// tailPointerSize is the on-disk size of one (fileno u32, offset u64)
// sibling pointer, big-endian.
const tailPointerSize = 4 + 8

// slot is one key+payload entry accumulated in a page before it is
// finalised. key is stored in full during accumulation; prefix
// compression is applied once, at finalise time, since the page's
// payload area is addressed independently of the key area and so never
// moves when the stored key bytes shrink.
type slot struct {
	key           string
	payloadOffset int
	payloadSize   int
}

// page is a single slotted page under construction: keys grow forward
// from byte 0, payloads grow backward from (size - tailSize).
type page struct {
	buf         []byte
	size        int
	tailSize    int
	payloadEnd  int // next payload is carved from [payloadEnd-n, payloadEnd)
	keyEnd      int // next key entry starts at keyEnd
	slots       []slot
	leaf        bool
}

func newPage(size int, leaf bool) *page {
	tailSize := 1 + maxPrefixLen + tailPointerSize
	return &page{
		buf:  make([]byte, size),
		size: size,
		// The tail is permanently reserved at the end of the buffer for
		// the prefixsize byte + prefix + sibling pointer; the payload
		// area carves backward from just before it.
		tailSize:   tailSize,
		payloadEnd: size - tailSize,
		keyEnd:     0,
		leaf:       leaf,
	}
}

// entrySize estimates the bytes an entry consumes in the key area before
// prefix compression: a one-byte suffix length, the full key bytes (worst
// case, pre-compression), and a fixed 8-byte slot directory record
// (payload offset + size, both uint32).
func entrySize(key string) int {
	return 1 + len(key) + 8
}

// fits reports whether one more entry of the given key/payload size can
// be added without the key area colliding with the payload area.
func (p *page) fits(key string, payloadSize int) bool {
	return p.keyEnd+entrySize(key)+payloadSize <= p.payloadEnd
}

// add reserves space for key and payloadSize bytes, returning the
// absolute payload offset within buf. The caller must not call add again
// until it has checked fits for the next key.
func (p *page) add(key string, payloadSize int) int {
	p.payloadEnd -= payloadSize
	payloadOffset := p.payloadEnd
	p.slots = append(p.slots, slot{key: key, payloadOffset: payloadOffset, payloadSize: payloadSize})
	p.keyEnd += entrySize(key)
	return payloadOffset
}

func (p *page) empty() bool { return len(p.slots) == 0 }

func (p *page) firstKey() string {
	if len(p.slots) == 0 {
		return ""
	}
	return p.slots[0].key
}

// commonPrefix returns the longest shared prefix (capped at
// maxPrefixLen) across every key currently in the page.
func (p *page) commonPrefix() string {
	if len(p.slots) == 0 {
		return ""
	}
	prefix := p.slots[0].key
	if len(prefix) > maxPrefixLen {
		prefix = prefix[:maxPrefixLen]
	}
	for _, s := range p.slots[1:] {
		n := 0
		for n < len(prefix) && n < len(s.key) && prefix[n] == s.key[n] {
			n++
		}
		prefix = prefix[:n]
		if prefix == "" {
			break
		}
	}
	return prefix
}

// finalise rewrites the key area using prefix compression, writes the
// tail (prefixsize byte + prefix bytes + sibling pointer placeholder),
// and returns the completed page buffer along with the byte offset of
// the right-sibling pointer within it (for later patching once the next
// page's coordinates are known).
func (p *page) finalise() (buf []byte, siblingPatchOffset int, err error) {
	prefix := p.commonPrefix()
	if len(prefix) > maxPrefixLen {
		return nil, 0, fmt.Errorf("btree: prefix length %d exceeds %d", len(prefix), maxPrefixLen)
	}

	cur := 0
	for _, s := range p.slots {
		suffix := s.key[len(prefix):]
		if cur+1+len(suffix)+8 > p.payloadEnd {
			return nil, 0, fmt.Errorf("btree: page overflow during finalise (cur=%d, payloadEnd=%d)", cur, p.payloadEnd)
		}
		p.buf[cur] = byte(len(suffix))
		cur++
		copy(p.buf[cur:], suffix)
		cur += len(suffix)
		putU32(p.buf[cur:], uint32(s.payloadOffset))
		putU32(p.buf[cur+4:], uint32(s.payloadSize))
		cur += 8
	}
	for ; cur < p.payloadEnd; cur++ {
		p.buf[cur] = 0
	}

	tailStart := p.size - p.tailSize
	prefixsize := byte(len(prefix))
	if p.leaf {
		prefixsize |= 0x80
	}
	p.buf[tailStart] = prefixsize
	copy(p.buf[tailStart+1:], prefix)

	siblingOffset := p.size - tailPointerSize
	putU32(p.buf[siblingOffset:], 0)
	putU64(p.buf[siblingOffset+4:], 0)

	return p.buf, siblingOffset, nil
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

// PatchSibling overwrites an already-finalised page's sibling pointer in
// place, at the offset finalise returned for it. Callers use this on the
// bytes of a page already written to disk, once the next page's
// coordinates are known.
func PatchSibling(buf []byte, siblingOffset int, ref PageRef) {
	putU32(buf[siblingOffset:], ref.Fileno)
	putU64(buf[siblingOffset+4:], ref.Offset)
}
