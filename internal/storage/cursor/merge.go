package cursor

import (
	"container/heap"
	"context"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/storage/iter"
	"github.com/xtxerr/historian/internal/storage/types"
)

// Strategy selects how the samples of several series are combined.
type Strategy int

const (
	// Chronological interleaves all series into one sequence ordered by
	// time, ties broken by ascending series ID.
	Chronological Strategy = iota
	// PerSeries returns each series in full before starting the next.
	PerSeries
)

// String returns the strategy name.
func (s Strategy) String() string {
	if s == PerSeries {
		return "per-series"
	}
	return "chronological"
}

// Open returns a cursor over several series combined with strategy.
// Options.Limit applies to each series individually.
func Open(ctx context.Context, store Store, series []types.SeriesID, opts Options, strategy Strategy) (iter.Iterator[types.Sample], error) {
	switch strategy {
	case Chronological:
		return NewChronologicalCursor(ctx, store, series, opts)
	case PerSeries:
		return NewConcatCursor(ctx, store, series, opts)
	default:
		return nil, errors.NewValidation("strategy", "unknown merge strategy")
	}
}

// =============================================================================
// Cursor Heap
// =============================================================================

// CursorHeap implements heap.Interface over value cursors keyed by the
// sample each would return next. Only cursors with a next sample are kept.
type CursorHeap struct {
	items []*ValueCursor
	heads []types.Sample
	order types.TimeOrder
}

func (h *CursorHeap) Len() int { return len(h.items) }

func (h *CursorHeap) Less(i, j int) bool {
	return h.order.CompareSamples(h.heads[i], h.heads[j]) < 0
}

func (h *CursorHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.heads[i], h.heads[j] = h.heads[j], h.heads[i]
}

func (h *CursorHeap) Push(x interface{}) {
	c := x.(*ValueCursor)
	head, _ := c.Peek()
	h.items = append(h.items, c)
	h.heads = append(h.heads, head)
}

func (h *CursorHeap) Pop() interface{} {
	n := len(h.items)
	c := h.items[n-1]
	h.items[n-1] = nil // Avoid memory leak
	h.items = h.items[:n-1]
	h.heads = h.heads[:n-1]
	return c
}

// =============================================================================
// Chronological Cursor
// =============================================================================

// ChronologicalCursor merges per-series cursors into one sequence ordered by
// time in the requested order, ties broken by ascending series ID.
//
// The value cursors are created and primed on first use. The head cursor is
// popped, consumed, and pushed back if it still has samples.
type ChronologicalCursor struct {
	ctx     context.Context
	store   Store
	series  []types.SeriesID
	opts    Options
	cursors []*ValueCursor
	heap    CursorHeap
	started bool
	cur     types.Sample
	err     error
	closed  bool
}

// NewChronologicalCursor returns a chronological merge over series.
func NewChronologicalCursor(ctx context.Context, store Store, series []types.SeriesID, opts Options) (*ChronologicalCursor, error) {
	opts, err := opts.validate(store)
	if err != nil {
		return nil, err
	}
	return &ChronologicalCursor{
		ctx:    ctx,
		store:  store,
		series: series,
		opts:   opts,
		heap:   CursorHeap{order: opts.Order},
	}, nil
}

func (m *ChronologicalCursor) init() {
	m.started = true
	m.cursors = make([]*ValueCursor, 0, len(m.series))
	for _, id := range m.series {
		c := newValueCursor(m.ctx, m.store, id, m.opts)
		m.cursors = append(m.cursors, c)
		if _, ok := c.Peek(); ok {
			heap.Push(&m.heap, c)
			continue
		}
		if err := c.Err(); err != nil {
			m.err = err
			return
		}
	}
}

// Next consumes the globally next sample.
func (m *ChronologicalCursor) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	if !m.started {
		m.init()
		if m.err != nil {
			return false
		}
	}
	if m.heap.Len() == 0 {
		return false
	}

	c := heap.Pop(&m.heap).(*ValueCursor)
	c.Next()
	m.cur = c.At()

	if _, ok := c.Peek(); ok {
		heap.Push(&m.heap, c)
	} else if err := c.Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

func (m *ChronologicalCursor) At() types.Sample { return m.cur }
func (m *ChronologicalCursor) Err() error       { return m.err }

// Close closes every value cursor, collecting failures.
func (m *ChronologicalCursor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.heap.items, m.heap.heads = nil, nil

	var cc errors.CloseCollector
	for _, c := range m.cursors {
		cc.Add(c.Close())
	}
	return cc.Err()
}

// =============================================================================
// Concat Cursor
// =============================================================================

// ConcatCursor returns the samples of each series in turn, exhausting one
// series before opening the next.
type ConcatCursor struct {
	ctx    context.Context
	store  Store
	series []types.SeriesID
	opts   Options
	pos    int
	active *ValueCursor
	err    error
	closed bool
}

// NewConcatCursor returns a per-series concatenation over series.
func NewConcatCursor(ctx context.Context, store Store, series []types.SeriesID, opts Options) (*ConcatCursor, error) {
	opts, err := opts.validate(store)
	if err != nil {
		return nil, err
	}
	return &ConcatCursor{ctx: ctx, store: store, series: series, opts: opts}, nil
}

func (c *ConcatCursor) Next() bool {
	for !c.closed && c.err == nil {
		if c.active == nil {
			if c.pos >= len(c.series) {
				return false
			}
			c.active = newValueCursor(c.ctx, c.store, c.series[c.pos], c.opts)
			c.pos++
		}
		if c.active.Next() {
			return true
		}
		if err := c.active.Err(); err != nil {
			c.err = err
			return false
		}
		if err := c.active.Close(); err != nil {
			c.err = err
			return false
		}
		c.active = nil
	}
	return false
}

func (c *ConcatCursor) At() types.Sample {
	if c.active == nil {
		return types.Sample{}
	}
	return c.active.At()
}

func (c *ConcatCursor) Err() error { return c.err }

func (c *ConcatCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.active != nil {
		err := c.active.Close()
		c.active = nil
		return err
	}
	return nil
}
