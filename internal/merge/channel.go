package merge

import (
	"github.com/standardbeagle/corendex/internal/codec"
	corerr "github.com/standardbeagle/corendex/internal/errors"
)

// channel is the machine's view of one input run (§4.1 "the caller
// supplies an array of k input channels"). pending accumulates bytes fed
// by the driver that haven't been consumed yet, header and body bytes
// alike; body bytes are handed out of it by takeBodyChunk.
type channel struct {
	idx int

	pending []byte
	eof     bool

	// headerState tracks progress through READ_TERMLEN..READ_FIRST for
	// this channel specifically; it is only "in motion" while the
	// machine's activeChan == idx.
	headerState State
	termLen     uint64
	haveTermLen bool

	// fully-decoded header of the record currently at the front of this
	// channel, valid once ready is true.
	term    string
	docs    uint64
	occurs  uint64
	last    uint64
	size    uint64
	first   uint64
	ready   bool // header decoded, heap-eligible
	inHeap  bool
	drained bool // body of the ready record has been fully streamed out

	bodyRemaining uint64 // set when the record is selected for streaming
}

func newChannel(idx int) *channel {
	return &channel{idx: idx, headerState: StateReadTermLen}
}

// feed appends newly-available bytes to this channel's pending buffer.
func (c *channel) feed(b []byte) {
	c.pending = append(c.pending, b...)
}

// takeUvarint attempts to decode one vbyte integer from the front of
// pending, consuming it on success. It never blocks on a body byte
// range; it is only used for header fields.
func (c *channel) takeUvarint() (uint64, bool, error) {
	v, n, err := codec.Uvarint(c.pending)
	if err == codec.ErrNeedMore {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, corerr.NewCorruptError("merge.channel.takeUvarint", "malformed vbyte integer", err)
	}
	c.pending = c.pending[n:]
	return v, true, nil
}

// takeTerm attempts to consume termLen bytes of term data from pending.
func (c *channel) takeTerm(n uint64) (string, bool, error) {
	if uint64(len(c.pending)) < n {
		return "", false, nil
	}
	for _, b := range c.pending[:n] {
		if b == 0 {
			return "", false, corerr.NewCorruptError("merge.channel.takeTerm", "control character in term", nil)
		}
	}
	s := string(c.pending[:n])
	c.pending = c.pending[n:]
	return s, true, nil
}

// advanceHeader drives this channel's header state machine as far as the
// currently-pending bytes allow. It returns done == true once a full
// header has been decoded (ready becomes true) or an error occurs.
func (c *channel) advanceHeader() (done bool, err error) {
	for {
		switch c.headerState {
		case StateReadTermLen:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.termLen = v
			c.headerState = StateReadTerm
		case StateReadTerm:
			s, ok, err := c.takeTerm(c.termLen)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.term = s
			c.headerState = StateReadDocs
		case StateReadDocs:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.docs = v
			c.headerState = StateReadOccurs
		case StateReadOccurs:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.occurs = v
			c.headerState = StateReadLast
		case StateReadLast:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.last = v
			c.headerState = StateReadSize
		case StateReadSize:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.size = v
			c.headerState = StateReadFirst
		case StateReadFirst:
			v, ok, err := c.takeUvarint()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			c.first = v
			if c.docs > c.occurs {
				return false, corerr.NewCorruptError("merge.channel.advanceHeader", "docs exceeds occurs", nil)
			}
			c.ready = true
			c.bodyRemaining = c.size
			c.headerState = StateReadTermLen // armed for the next record
			return true, nil
		default:
			return false, corerr.NewInvalidStateError("merge.channel.advanceHeader", c.headerState.String())
		}
	}
}

// resetForNextRecord clears the decoded-record fields once its body has
// been fully streamed, so the channel is ready to decode another header.
func (c *channel) resetForNextRecord() {
	c.ready = false
	c.drained = false
	c.inHeap = false
	c.term = ""
	c.docs, c.occurs, c.last, c.size, c.first, c.bodyRemaining = 0, 0, 0, 0, 0, 0
}

// takeBodyChunk consumes up to max bytes of the current record's body
// from pending, reducing bodyRemaining. It never blocks: it returns
// whatever is available, which may be zero bytes.
func (c *channel) takeBodyChunk(max int) []byte {
	n := len(c.pending)
	if uint64(n) > c.bodyRemaining {
		n = int(c.bodyRemaining)
	}
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	chunk := c.pending[:n]
	c.pending = c.pending[n:]
	c.bodyRemaining -= uint64(n)
	return chunk
}
