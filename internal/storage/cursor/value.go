package cursor

import (
	"context"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/types"
)

// DefaultChunkSize is the number of samples fetched per refill.
const DefaultChunkSize = 1000

// Options bound what a cursor reads.
type Options struct {
	Start     *int64 // inclusive, nil = unbounded
	End       *int64 // exclusive, nil = unbounded
	Limit     *int   // per series, nil = unbounded
	Order     types.TimeOrder
	ChunkSize int // samples per refill, 0 = DefaultChunkSize
}

func (o Options) validate(store Store) (Options, error) {
	if store == nil {
		return o, errors.NewMissingField("store")
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize < 0 {
		return o, errors.NewValidation("chunk_size", "must be positive")
	}
	if o.Limit != nil && *o.Limit < 0 {
		return o, errors.NewValidation("limit", "must not be negative")
	}
	if o.Order != types.Ascending && o.Order != types.Descending {
		return o, errors.NewValidation("order", "unknown time order")
	}
	return o, nil
}

// ValueCursor reads the samples of one series lazily in chunks.
//
// Each refill requests at most ChunkSize samples (fewer if the remaining
// limit is smaller) for the current window. When a full chunk comes back the
// window is narrowed past the last buffered sample: ascending cursors move
// the start to last+1, descending cursors move the (exclusive) end to last.
// Samples that share the timestamp of a chunk's last sample but did not fit
// in that chunk are not returned.
type ValueCursor struct {
	ctx    context.Context
	store  Store
	series types.SeriesID

	start     *int64
	end       *int64
	remaining *int
	order     types.TimeOrder
	chunkSize int

	buf       []types.Sample
	pos       int
	exhausted bool
	cur       types.Sample
	err       error
	closed    bool
}

// NewValueCursor returns a cursor over one series. Nothing is fetched until
// the first call to Peek or Next.
func NewValueCursor(ctx context.Context, store Store, series types.SeriesID, opts Options) (*ValueCursor, error) {
	opts, err := opts.validate(store)
	if err != nil {
		return nil, err
	}
	return newValueCursor(ctx, store, series, opts), nil
}

func newValueCursor(ctx context.Context, store Store, series types.SeriesID, opts Options) *ValueCursor {
	c := &ValueCursor{
		ctx:       ctx,
		store:     store,
		series:    series,
		order:     opts.Order,
		chunkSize: opts.ChunkSize,
	}
	// Copy bounds, the cursor narrows them in place.
	if opts.Start != nil {
		c.start = Int64(*opts.Start)
	}
	if opts.End != nil {
		c.end = Int64(*opts.End)
	}
	if opts.Limit != nil {
		c.remaining = Int(*opts.Limit)
	}
	return c
}

// Series returns the series this cursor reads.
func (c *ValueCursor) Series() types.SeriesID { return c.series }

func (c *ValueCursor) refill() {
	if c.pos < len(c.buf) || c.exhausted || c.err != nil || c.closed {
		return
	}

	batch := c.chunkSize
	if c.remaining != nil && *c.remaining < batch {
		batch = *c.remaining
	}
	if batch == 0 {
		c.exhausted = true
		return
	}

	c.buf = c.buf[:0]
	c.pos = 0
	err := c.store.FetchSamples(c.ctx, FetchRequest{
		Points: []types.SeriesID{c.series},
		Start:  c.start,
		End:    c.end,
		Limit:  &batch,
		Order:  c.order,
	}, func(s types.Sample) error {
		c.buf = append(c.buf, s)
		return nil
	})
	metrics.StoreRefills.Inc()
	if err != nil {
		c.err = err
		c.buf = c.buf[:0]
		return
	}
	if len(c.buf) > batch {
		c.buf = c.buf[:batch]
	}
	metrics.SamplesFetched.Add(float64(len(c.buf)))

	if c.remaining != nil {
		*c.remaining -= len(c.buf)
	}
	if len(c.buf) < batch {
		c.exhausted = true
		return
	}

	last := c.buf[len(c.buf)-1].TimestampMs
	if c.order == types.Ascending {
		c.start = Int64(last + 1)
	} else {
		c.end = Int64(last)
	}
}

// Peek returns the next sample without consuming it.
func (c *ValueCursor) Peek() (types.Sample, bool) {
	c.refill()
	if c.pos >= len(c.buf) {
		return types.Sample{}, false
	}
	return c.buf[c.pos], true
}

// Next consumes the next sample.
func (c *ValueCursor) Next() bool {
	s, ok := c.Peek()
	if !ok {
		return false
	}
	c.cur = s
	c.pos++
	return true
}

// At returns the sample consumed by the last call to Next.
func (c *ValueCursor) At() types.Sample { return c.cur }

// Err returns the store error that stopped the cursor, unchanged.
func (c *ValueCursor) Err() error { return c.err }

// Close drops the buffer. It is idempotent.
func (c *ValueCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil
	c.pos = 0
	return nil
}
