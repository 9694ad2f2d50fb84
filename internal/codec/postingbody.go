package codec

// PostingDoc is one decoded entry of a posting body: the containing
// document's number, its within-document occurrence count, and (when the
// index carries word-position vectors) the ascending word positions
// within that document.
type PostingDoc struct {
	Docno     uint64
	Freq      uint64
	Positions []uint64
}

// EncodePostingBody appends the delta-compressed posting body for docs
// (sorted ascending by Docno, with Docno[0] already reported separately
// as the record's "first" field) to dst. For the first entry only Freq
// and position deltas are written; subsequent entries are prefixed with
// the docno gap docs[i].Docno - docs[i-1].Docno - 1 (§4.7).
func EncodePostingBody(dst []byte, docs []PostingDoc) []byte {
	for i, d := range docs {
		if i > 0 {
			gap := d.Docno - docs[i-1].Docno - 1
			dst = PutUvarint(dst, gap)
		}
		dst = PutUvarint(dst, d.Freq)
		var prev uint64
		for j, p := range d.Positions {
			if j == 0 {
				dst = PutUvarint(dst, p)
			} else {
				dst = PutUvarint(dst, p-prev)
			}
			prev = p
		}
	}
	return dst
}

// DecodePostingBody decodes ndocs posting-body entries starting at
// firstDocno from the front of buf. When positions is positive each
// entry carries Freq word positions; 0 means the index does not carry
// position vectors. It returns the decoded entries and bytes consumed.
func DecodePostingBody(buf []byte, firstDocno uint64, ndocs int, positions int) ([]PostingDoc, int, error) {
	docs := make([]PostingDoc, 0, ndocs)
	off := 0
	prevDocno := firstDocno

	for i := 0; i < ndocs; i++ {
		docno := prevDocno
		if i > 0 {
			gap, n, err := Uvarint(buf[off:])
			if err != nil {
				return nil, 0, err
			}
			off += n
			docno = prevDocno + gap + 1
		}
		freq, n, err := Uvarint(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n

		var pos []uint64
		if positions > 0 {
			var prevPos uint64
			for j := uint64(0); j < freq; j++ {
				pv, n, err := Uvarint(buf[off:])
				if err != nil {
					return nil, 0, err
				}
				off += n
				if j > 0 {
					pv += prevPos
				}
				pos = append(pos, pv)
				prevPos = pv
			}
		}

		docs = append(docs, PostingDoc{Docno: docno, Freq: freq, Positions: pos})
		prevDocno = docno
	}
	return docs, off, nil
}
