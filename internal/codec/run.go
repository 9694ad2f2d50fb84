package codec

// RunRecord is one term's entry in a sorted run (§3): a term plus the
// vbyte header fields and posting body for one contiguous docno range.
// Records in a run are ordered by (term, first) ascending.
type RunRecord struct {
	Term   string
	Docs   uint64
	Occurs uint64
	Last   uint64
	Size   uint64 // bytes of Body, i.e. excluding the vbyte length of First
	First  uint64
	Body   []byte
}

// EncodeRunRecord appends the wire encoding of r to dst:
// {termlen, term bytes, docs, occurs, last, size, first, body}, all
// integers vbyte (§3, §6 "Intermediate run").
func EncodeRunRecord(dst []byte, r *RunRecord) []byte {
	dst = PutUvarint(dst, uint64(len(r.Term)))
	dst = append(dst, r.Term...)
	dst = PutUvarint(dst, r.Docs)
	dst = PutUvarint(dst, r.Occurs)
	dst = PutUvarint(dst, r.Last)
	dst = PutUvarint(dst, r.Size)
	dst = PutUvarint(dst, r.First)
	dst = append(dst, r.Body...)
	return dst
}

// DecodeRunRecord decodes one record from the front of buf. It is a
// convenience, non-resumable decoder for callers (tests, small fixtures)
// that already hold a complete record in memory; the merge state machine
// itself decodes field-by-field so it can suspend mid-record (§4.1).
func DecodeRunRecord(buf []byte) (r RunRecord, n int, err error) {
	termlen, n1, err := Uvarint(buf)
	if err != nil {
		return r, 0, err
	}
	off := n1
	if len(buf)-off < int(termlen) {
		return r, 0, ErrNeedMore
	}
	term := string(buf[off : off+int(termlen)])
	off += int(termlen)

	docs, n2, err := Uvarint(buf[off:])
	if err != nil {
		return r, 0, err
	}
	off += n2
	occurs, n3, err := Uvarint(buf[off:])
	if err != nil {
		return r, 0, err
	}
	off += n3
	last, n4, err := Uvarint(buf[off:])
	if err != nil {
		return r, 0, err
	}
	off += n4
	size, n5, err := Uvarint(buf[off:])
	if err != nil {
		return r, 0, err
	}
	off += n5
	first, n6, err := Uvarint(buf[off:])
	if err != nil {
		return r, 0, err
	}
	off += n6

	if len(buf)-off < int(size) {
		return r, 0, ErrNeedMore
	}
	body := buf[off : off+int(size)]
	off += int(size)

	r = RunRecord{Term: term, Docs: docs, Occurs: occurs, Last: last, Size: size, First: first, Body: body}
	return r, off, nil
}
