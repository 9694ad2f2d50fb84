package merge

import "container/heap"

// chanHeap is a min-heap of ready channel indices, ordered by
// (term, first) ascending — bytewise lexicographic on term, then numeric
// on docno (§4.1 step 1 "Priming").
type chanHeap struct {
	idx []int
	ch  []*channel
}

func (h *chanHeap) Len() int { return len(h.idx) }

func (h *chanHeap) Less(i, j int) bool {
	a, b := h.ch[h.idx[i]], h.ch[h.idx[j]]
	if a.term != b.term {
		return a.term < b.term
	}
	return a.first < b.first
}

func (h *chanHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *chanHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *chanHeap) Pop() any {
	n := len(h.idx)
	v := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return v
}

func (h *chanHeap) push(i int) {
	h.ch[i].inHeap = true
	heap.Push(h, i)
}

func (h *chanHeap) pop() int {
	i := heap.Pop(h).(int)
	h.ch[i].inHeap = false
	return i
}

// peekTerm reports the term at the heap root, if any.
func (h *chanHeap) peekTerm() (string, bool) {
	if len(h.idx) == 0 {
		return "", false
	}
	return h.ch[h.idx[0]].term, true
}
