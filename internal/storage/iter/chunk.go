package iter

import "github.com/xtxerr/historian/internal/errors"

// ChunkIterator batches a source into slices of at most size elements.
type ChunkIterator[T any] struct {
	src  Iterator[T]
	size int
	cur  []T
}

// Chunk returns src batched into slices of at most size elements, preserving
// order. Every batch except possibly the last holds exactly size elements.
// Each yielded slice is freshly allocated and never modified afterwards.
// A non-positive size is rejected and src is closed.
func Chunk[T any](src Iterator[T], size int) (*ChunkIterator[T], error) {
	if src == nil {
		return nil, errors.NewMissingField("source")
	}
	if size <= 0 {
		src.Close()
		return nil, errors.NewValidation("chunk size", "must be positive")
	}
	return &ChunkIterator[T]{src: src, size: size}, nil
}

func (c *ChunkIterator[T]) Next() bool {
	var batch []T
	for len(batch) < c.size && c.src.Next() {
		if batch == nil {
			batch = make([]T, 0, c.size)
		}
		batch = append(batch, c.src.At())
	}
	if len(batch) == 0 || c.src.Err() != nil {
		c.cur = nil
		return false
	}
	c.cur = batch
	return true
}

func (c *ChunkIterator[T]) At() []T      { return c.cur }
func (c *ChunkIterator[T]) Err() error   { return c.src.Err() }
func (c *ChunkIterator[T]) Close() error { return c.src.Close() }

// SizeHint returns ceil(n/size) for a source estimating n remaining elements.
func (c *ChunkIterator[T]) SizeHint() int {
	n := SizeHint(c.src)
	if n < 0 {
		return -1
	}
	return (n + c.size - 1) / c.size
}

// Split splits the source and batches the prefix independently. It fails
// when the source cannot be split.
func (c *ChunkIterator[T]) Split() (Iterator[[]T], bool) {
	s, ok := c.src.(Splitter[T])
	if !ok {
		return nil, false
	}
	prefix, ok := s.Split()
	if !ok {
		return nil, false
	}
	return &ChunkIterator[T]{src: prefix, size: c.size}, true
}
