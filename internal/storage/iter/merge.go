package iter

import (
	"container/heap"

	"github.com/xtxerr/historian/internal/errors"
)

type mergeEntry[T any] struct {
	src   Iterator[T]
	head  T
	index int // source position, breaks ties deterministically
}

// mergeHeap implements heap.Interface over the current heads of the sources.
type mergeHeap[T any] struct {
	entries []*mergeEntry[T]
	cmp     func(a, b T) int
}

func (h *mergeHeap[T]) Len() int { return len(h.entries) }

func (h *mergeHeap[T]) Less(i, j int) bool {
	if c := h.cmp(h.entries[i].head, h.entries[j].head); c != 0 {
		return c < 0
	}
	return h.entries[i].index < h.entries[j].index
}

func (h *mergeHeap[T]) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *mergeHeap[T]) Push(x any) {
	h.entries = append(h.entries, x.(*mergeEntry[T]))
}

func (h *mergeHeap[T]) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// MergeIterator is a k-way ordered merge of already ordered sources.
type MergeIterator[T any] struct {
	sources []Iterator[T]
	h       mergeHeap[T]
	started bool
	pending *mergeEntry[T] // popped last, advanced on the next call
	cur     T
	err     error
	closed  bool
}

// Merge returns the ordered merge of sources according to cmp. Each source
// must already be ordered by cmp. Elements that compare equal are yielded in
// source order. Sources are pulled lazily: one element of lookahead each.
func Merge[T any](cmp func(a, b T) int, sources ...Iterator[T]) *MergeIterator[T] {
	return &MergeIterator[T]{
		sources: sources,
		h:       mergeHeap[T]{cmp: cmp},
	}
}

func (m *MergeIterator[T]) init() {
	m.started = true
	for i, src := range m.sources {
		e := &mergeEntry[T]{src: src, index: i}
		if !m.pull(e) {
			if m.err != nil {
				return
			}
			continue
		}
		m.h.entries = append(m.h.entries, e)
	}
	heap.Init(&m.h)
}

// pull loads the next head of e. It returns false if the source is exhausted
// or failed; exhausted sources are never inserted into the heap.
func (m *MergeIterator[T]) pull(e *mergeEntry[T]) bool {
	if e.src.Next() {
		e.head = e.src.At()
		return true
	}
	if err := e.src.Err(); err != nil {
		m.err = err
	}
	return false
}

func (m *MergeIterator[T]) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	if !m.started {
		m.init()
		if m.err != nil {
			return false
		}
	}
	if e := m.pending; e != nil {
		m.pending = nil
		if m.pull(e) {
			heap.Push(&m.h, e)
		} else if m.err != nil {
			return false
		}
	}
	if m.h.Len() == 0 {
		return false
	}
	e := heap.Pop(&m.h).(*mergeEntry[T])
	m.cur = e.head
	m.pending = e
	return true
}

func (m *MergeIterator[T]) At() T      { return m.cur }
func (m *MergeIterator[T]) Err() error { return m.err }

// Close closes every source, including exhausted ones. All closes are
// attempted; the first failure is returned as the primary error of a
// *errors.CloseError with later failures attached as suppressed.
func (m *MergeIterator[T]) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.h.entries = nil
	m.pending = nil

	var cc errors.CloseCollector
	for _, src := range m.sources {
		cc.Add(src.Close())
	}
	return cc.Err()
}

// SizeHint returns the sum of the sources' estimates, or -1 if any is unknown.
func (m *MergeIterator[T]) SizeHint() int {
	if m.started {
		return -1
	}
	total := 0
	for _, src := range m.sources {
		n := SizeHint(src)
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}
