// Package iter provides lazy, closeable, pull-based sequences and the
// combinators the query engine is built from.
//
// Iterators follow the database/sql.Rows protocol:
//
//	for it.Next() {
//	    v := it.At()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//	it.Close()
//
// Close releases underlying resources. It is idempotent and must be called
// even when iteration stops early. Iterators are not safe for concurrent use.
package iter

import (
	"github.com/xtxerr/historian/internal/errors"
)

// Iterator is a lazy sequence of T.
type Iterator[T any] interface {
	// Next advances to the next element. It returns false when the sequence
	// is exhausted or an error occurred.
	Next() bool
	// At returns the current element. Only valid after Next returned true.
	At() T
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// Sizer is implemented by iterators that can estimate how many elements
// remain. SizeHint returns -1 when the size is unknown.
type Sizer interface {
	SizeHint() int
}

// Splitter is implemented by iterators whose remaining elements can be
// partitioned for independent consumption. Split returns an iterator over a
// prefix of the remaining elements; the receiver keeps the rest. It returns
// false when the sequence cannot be split further.
type Splitter[T any] interface {
	Split() (Iterator[T], bool)
}

// SizeHint returns the size estimate of it, or -1 if it does not provide one.
func SizeHint[T any](it Iterator[T]) int {
	if s, ok := it.(Sizer); ok {
		return s.SizeHint()
	}
	return -1
}

// Collect drains it into a slice and closes it. Errors from iteration take
// precedence over errors from Close.
func Collect[T any](it Iterator[T]) ([]T, error) {
	var out []T
	if n := SizeHint(it); n > 0 {
		out = make([]T, 0, n)
	}
	for it.Next() {
		out = append(out, it.At())
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}

// ForEach calls fn for every element and closes it. Iteration stops at the
// first error returned by fn.
func ForEach[T any](it Iterator[T], fn func(T) error) error {
	var err error
	for it.Next() {
		if err = fn(it.At()); err != nil {
			break
		}
	}
	if err == nil {
		err = it.Err()
	}
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return err
}

// =============================================================================
// Slice
// =============================================================================

// SliceIterator iterates over an in-memory slice.
type SliceIterator[T any] struct {
	items []T
	pos   int
	cur   T
}

// FromSlice returns an iterator over items. The slice is not copied.
func FromSlice[T any](items []T) *SliceIterator[T] {
	return &SliceIterator[T]{items: items}
}

// Of returns an iterator over the given values.
func Of[T any](items ...T) *SliceIterator[T] {
	return FromSlice(items)
}

func (s *SliceIterator[T]) Next() bool {
	if s.pos >= len(s.items) {
		return false
	}
	s.cur = s.items[s.pos]
	s.pos++
	return true
}

func (s *SliceIterator[T]) At() T        { return s.cur }
func (s *SliceIterator[T]) Err() error   { return nil }
func (s *SliceIterator[T]) Close() error { return nil }

// SizeHint returns the exact number of remaining elements.
func (s *SliceIterator[T]) SizeHint() int {
	return len(s.items) - s.pos
}

// Split hands the first half of the remaining elements to a new iterator.
func (s *SliceIterator[T]) Split() (Iterator[T], bool) {
	remaining := len(s.items) - s.pos
	if remaining < 2 {
		return nil, false
	}
	mid := s.pos + remaining/2
	prefix := FromSlice(s.items[s.pos:mid])
	s.pos = mid
	return prefix, true
}

// =============================================================================
// Func
// =============================================================================

type funcIterator[T any] struct {
	next   func() (T, bool, error)
	close  func() error
	cur    T
	err    error
	done   bool
	closed bool
}

// FromFunc returns an iterator driven by next. next returns the element,
// whether one was produced, and an error that ends iteration. close may be
// nil; it is called at most once.
func FromFunc[T any](next func() (T, bool, error), close func() error) Iterator[T] {
	return &funcIterator[T]{next: next, close: close}
}

func (f *funcIterator[T]) Next() bool {
	if f.done {
		return false
	}
	v, ok, err := f.next()
	if err != nil {
		f.err = err
		f.done = true
		return false
	}
	if !ok {
		f.done = true
		return false
	}
	f.cur = v
	return true
}

func (f *funcIterator[T]) At() T      { return f.cur }
func (f *funcIterator[T]) Err() error { return f.err }

func (f *funcIterator[T]) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.done = true
	if f.close != nil {
		return f.close()
	}
	return nil
}

// Empty returns an exhausted iterator.
func Empty[T any]() Iterator[T] {
	return FromSlice[T](nil)
}

// Error returns an iterator that yields nothing and reports err.
func Error[T any](err error) Iterator[T] {
	return FromFunc(func() (T, bool, error) {
		var zero T
		return zero, false, err
	}, nil)
}

// =============================================================================
// Map
// =============================================================================

type mapIterator[T, R any] struct {
	src Iterator[T]
	fn  func(T) R
	cur R
}

// Map applies fn to every element of src.
func Map[T, R any](src Iterator[T], fn func(T) R) Iterator[R] {
	return &mapIterator[T, R]{src: src, fn: fn}
}

func (m *mapIterator[T, R]) Next() bool {
	if !m.src.Next() {
		return false
	}
	m.cur = m.fn(m.src.At())
	return true
}

func (m *mapIterator[T, R]) At() R         { return m.cur }
func (m *mapIterator[T, R]) Err() error    { return m.src.Err() }
func (m *mapIterator[T, R]) Close() error  { return m.src.Close() }
func (m *mapIterator[T, R]) SizeHint() int { return SizeHint(m.src) }

// =============================================================================
// Limit
// =============================================================================

type limitIterator[T any] struct {
	src       Iterator[T]
	remaining int
}

// Limit yields at most n elements of src. Closing the result closes src.
func Limit[T any](src Iterator[T], n int) Iterator[T] {
	return &limitIterator[T]{src: src, remaining: n}
}

func (l *limitIterator[T]) Next() bool {
	if l.remaining <= 0 {
		return false
	}
	if !l.src.Next() {
		return false
	}
	l.remaining--
	return true
}

func (l *limitIterator[T]) At() T        { return l.src.At() }
func (l *limitIterator[T]) Err() error   { return l.src.Err() }
func (l *limitIterator[T]) Close() error { return l.src.Close() }

func (l *limitIterator[T]) SizeHint() int {
	n := SizeHint(l.src)
	if n < 0 || n > l.remaining {
		return l.remaining
	}
	return n
}

// =============================================================================
// Concat
// =============================================================================

type concatIterator[T any] struct {
	sources []Iterator[T]
	closed  []bool
	pos     int
	err     error
}

// Concat yields every element of each source in turn. Each source is closed
// as soon as it is exhausted; Close closes the rest.
func Concat[T any](sources ...Iterator[T]) Iterator[T] {
	return &concatIterator[T]{sources: sources, closed: make([]bool, len(sources))}
}

func (c *concatIterator[T]) Next() bool {
	for c.err == nil && c.pos < len(c.sources) {
		src := c.sources[c.pos]
		if src.Next() {
			return true
		}
		if err := src.Err(); err != nil {
			c.err = err
			return false
		}
		c.closed[c.pos] = true
		if err := src.Close(); err != nil {
			c.err = err
			return false
		}
		c.pos++
	}
	return false
}

func (c *concatIterator[T]) At() T {
	return c.sources[c.pos].At()
}

func (c *concatIterator[T]) Err() error { return c.err }

func (c *concatIterator[T]) Close() error {
	var cc errors.CloseCollector
	for i, src := range c.sources {
		if c.closed[i] {
			continue
		}
		c.closed[i] = true
		cc.Add(src.Close())
	}
	c.pos = len(c.sources)
	return cc.Err()
}

func (c *concatIterator[T]) SizeHint() int {
	total := 0
	for _, src := range c.sources[c.pos:] {
		n := SizeHint(src)
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

// =============================================================================
// Peekable
// =============================================================================

// Peekable wraps an iterator with one element of lookahead.
type Peekable[T any] struct {
	src     Iterator[T]
	cur     T
	head    T
	hasHead bool
}

// NewPeekable wraps src.
func NewPeekable[T any](src Iterator[T]) *Peekable[T] {
	return &Peekable[T]{src: src}
}

// Peek returns the next element without consuming it.
func (p *Peekable[T]) Peek() (T, bool) {
	if !p.hasHead {
		if !p.src.Next() {
			var zero T
			return zero, false
		}
		p.head = p.src.At()
		p.hasHead = true
	}
	return p.head, true
}

func (p *Peekable[T]) Next() bool {
	if _, ok := p.Peek(); !ok {
		return false
	}
	p.cur = p.head
	p.hasHead = false
	return true
}

func (p *Peekable[T]) At() T        { return p.cur }
func (p *Peekable[T]) Err() error   { return p.src.Err() }
func (p *Peekable[T]) Close() error { return p.src.Close() }
