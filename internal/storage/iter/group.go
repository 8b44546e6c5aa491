package iter

// Combiner folds v into the current group. ok is false for the first
// element. It returns the group v belongs to and whether that group differs
// from cur; when changed is true, cur is complete and next starts a new group.
type Combiner[T, R any] func(cur R, ok bool, v T) (next R, changed bool)

// GroupIterator folds adjacent elements of a source into groups.
type GroupIterator[T, R any] struct {
	src     Iterator[T]
	combine Combiner[T, R]
	open    R
	hasOpen bool
	cur     R
}

// Group returns an iterator over the groups formed by folding adjacent
// elements of src with combine. A group is emitted when the combiner reports
// a change, and the final open group is emitted when src is exhausted.
// The number of groups is unknown in advance and the result cannot be split.
func Group[T, R any](src Iterator[T], combine Combiner[T, R]) *GroupIterator[T, R] {
	return &GroupIterator[T, R]{src: src, combine: combine}
}

func (g *GroupIterator[T, R]) Next() bool {
	for g.src.Next() {
		next, changed := g.combine(g.open, g.hasOpen, g.src.At())
		if changed && g.hasOpen {
			g.cur = g.open
			g.open = next
			return true
		}
		g.open = next
		g.hasOpen = true
	}
	if g.src.Err() != nil || !g.hasOpen {
		return false
	}
	g.cur = g.open
	g.hasOpen = false
	var zero R
	g.open = zero
	return true
}

func (g *GroupIterator[T, R]) At() R        { return g.cur }
func (g *GroupIterator[T, R]) Err() error   { return g.src.Err() }
func (g *GroupIterator[T, R]) Close() error { return g.src.Close() }

// SizeHint always reports an unknown size.
func (g *GroupIterator[T, R]) SizeHint() int { return -1 }
