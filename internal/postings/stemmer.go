package postings

import "github.com/surgebase/porter2"

// Stemmer normalizes a term before it is inserted into the accumulator
// (§4.4 "terms are optionally stemmed before insertion"). The accumulator
// depends only on this interface; PorterStemmer is its concrete default.
type Stemmer interface {
	Stem(term string) string
}

// PorterStemmer wraps the Porter2 stemming algorithm, skipping terms
// shorter than MinLength (stemming very short tokens tends to destroy
// information rather than normalize it).
type PorterStemmer struct {
	MinLength int
}

// NewPorterStemmer creates a PorterStemmer with the given minimum word
// length. A non-positive minLength stems every term.
func NewPorterStemmer(minLength int) *PorterStemmer {
	return &PorterStemmer{MinLength: minLength}
}

func (s *PorterStemmer) Stem(term string) string {
	if s.MinLength > 0 && len(term) < s.MinLength {
		return term
	}
	return porter2.Stem(term)
}

// Stoplist rejects terms that should never be indexed (§4.4 "a build-time
// stoplist may reject words").
type Stoplist interface {
	Reject(term string) bool
}

// SetStoplist is a Stoplist backed by a fixed set of rejected terms.
type SetStoplist map[string]struct{}

// NewSetStoplist builds a SetStoplist from the given words.
func NewSetStoplist(words ...string) SetStoplist {
	s := make(SetStoplist, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

func (s SetStoplist) Reject(term string) bool {
	_, rejected := s[term]
	return rejected
}
